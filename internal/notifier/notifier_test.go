package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/mostaql-notifier/internal/domain"
	"github.com/spigell/mostaql-notifier/internal/ratelimit"
	"github.com/spigell/mostaql-notifier/internal/store/memory"
)

type fakeSender struct {
	sent []Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg Message) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	return "77", nil
}

func (s *fakeSender) Channel() string { return "fake" }

type fakeLimiter struct {
	calls map[string]int
	err   error
}

func (l *fakeLimiter) Acquire(_ context.Context, partition string, _ int) error {
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[partition]++
	return l.err
}

func seeded(t *testing.T) (*memory.Store, *domain.Job) {
	t.Helper()
	st := memory.New()
	job := &domain.Job{ID: "42", Title: "Go API", URL: "https://mostaql.com/project/42"}
	if _, err := st.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return st, job
}

func testScore() *domain.Score {
	return &domain.Score{JobID: "42", Value: 0.82, Threshold: 0.7, Passed: true}
}

func TestNotifySends(t *testing.T) {
	t.Parallel()

	st, job := seeded(t)
	sender := &fakeSender{}
	lim := &fakeLimiter{}
	n := New(sender, st, lim, nil, zap.NewNop())

	rec, err := n.Notify(context.Background(), job, &domain.Analysis{FitScore: 90}, testScore())
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if rec.Status != domain.NotificationSent || rec.MessageRef != "77" || rec.Channel != "fake" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(sender.sent) != 1 || sender.sent[0].URL != job.URL {
		t.Fatalf("expected one message with job url, got %+v", sender.sent)
	}
	if lim.calls[ratelimit.PartitionNotify] != 1 {
		t.Fatalf("expected one notify token, got %v", lim.calls)
	}
}

func TestNotifyRefusesDuplicate(t *testing.T) {
	t.Parallel()

	st, job := seeded(t)
	if _, err := st.ReserveNotification(context.Background(), job.ID, "fake"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	core, logs := observer.New(zap.ErrorLevel)
	sender := &fakeSender{}
	n := New(sender, st, &fakeLimiter{}, nil, zap.New(core))

	_, err := n.Notify(context.Background(), job, nil, testScore())
	if !errors.Is(err, domain.ErrDuplicateNotification) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no send, got %d", len(sender.sent))
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one error log, got %d", logs.Len())
	}
}

func TestNotifyFailedSendAllowsRetry(t *testing.T) {
	t.Parallel()

	st, job := seeded(t)
	sender := &fakeSender{err: domain.ErrTransientNetwork}
	n := New(sender, st, &fakeLimiter{}, nil, zap.NewNop())

	rec, err := n.Notify(context.Background(), job, nil, testScore())
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if rec == nil || rec.Status != domain.NotificationFailed || rec.Error == "" {
		t.Fatalf("expected failed record, got %+v", rec)
	}

	ctx := context.Background()
	if err := st.AdvanceStage(ctx, job.ID, domain.StageDiscovered, domain.StageAnalyzed); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := st.AdvanceStage(ctx, job.ID, domain.StageAnalyzed, domain.StageScored); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := st.RecordNotification(ctx, rec, domain.StageScored); err != nil {
		t.Fatalf("record: %v", err)
	}

	sender.err = nil
	rec, err = n.Notify(ctx, job, nil, testScore())
	if err != nil {
		t.Fatalf("retry notify: %v", err)
	}
	if rec.Attempts != 2 || rec.Status != domain.NotificationSent {
		t.Fatalf("expected second attempt to send, got %+v", rec)
	}
}

func TestNotifyReleasesOnLimiterError(t *testing.T) {
	t.Parallel()

	st, job := seeded(t)
	sender := &fakeSender{}
	n := New(sender, st, &fakeLimiter{err: context.Canceled}, nil, zap.NewNop())

	if _, err := n.Notify(context.Background(), job, nil, testScore()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	rec, err := st.Notification(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	if rec.Status != domain.NotificationFailed {
		t.Fatalf("expected reservation to be released, got %s", rec.Status)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no send")
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	job := &domain.Job{
		ID:        "42",
		Title:     "Build <API> & docs",
		URL:       "https://mostaql.com/project/42?a=1&b=2",
		Budget:    domain.Budget{Min: domain.Float(250), Max: domain.Float(500)},
		Proposals: 3,
		Tags:      []string{"Go", "REST", "SQL", "Docker", "Redis", "Kafka"},
		Publisher: domain.Publisher{Name: "Ali", Verified: true, HireRate: domain.Float(80)},
	}
	analysis := &domain.Analysis{
		FitScore:      85,
		Summary:       "ملخص <قصير>",
		GreenFlags:    []string{"a", "b", "c", "d", "e"},
		RedFlags:      []string{"low budget"},
		ProposalAngle: "Lead with a demo",
	}
	score := &domain.Score{Value: 0.82, Breakdown: domain.ScoreBreakdown{AI: 0.8, Budget: 1, Keywords: 0.05}}

	msg := Format(job, analysis, score)

	for _, want := range []string{
		"🔥🔥 Strong match",
		`<a href="https://mostaql.com/project/42?a=1&amp;b=2">Build &lt;API&gt; &amp; docs</a>`,
		"$250 - $500",
		"3 proposals",
		"Go · REST · SQL · Docker · Redis",
		"Ali ✔ · hire rate 80%",
		"⚡ Score: <b>82/100</b>",
		"▰▰▰▰▰▰▰▰▰▰▰▰▱▱▱",
		"ملخص &lt;قصير&gt;",
		"keywords +0.05",
		"Lead with a demo",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in message:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "Kafka") {
		t.Fatalf("expected tags to be capped")
	}
	if strings.Contains(msg, "  • e") {
		t.Fatalf("expected flags to be capped")
	}
}

func TestFormatFitsTelegramLimit(t *testing.T) {
	t.Parallel()

	job := &domain.Job{ID: "1", Title: "x", URL: "https://mostaql.com/project/1"}
	flags := make([]string, 4)
	for i := range flags {
		flags[i] = strings.Repeat("ع", 2000)
	}
	analysis := &domain.Analysis{
		Summary:        strings.Repeat("م", 5000),
		SkillsAnalysis: strings.Repeat("s", 5000),
		GreenFlags:     flags,
		RedFlags:       flags,
		ProposalAngle:  strings.Repeat("p", 5000),
	}

	msg := Format(job, analysis, &domain.Score{Value: 0.95})
	if n := len([]rune(msg)); n > MaxMessageLength {
		t.Fatalf("expected at most %d characters, got %d", MaxMessageLength, n)
	}
	if !strings.HasSuffix(msg, "…") {
		t.Fatalf("expected truncation marker")
	}
	if strings.Count(msg, "<b>") != strings.Count(msg, "</b>") {
		t.Fatalf("expected balanced tags")
	}
}

func TestBar(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value int
		want  string
	}{
		{0, "▱▱▱▱▱▱▱▱▱▱"},
		{55, "▰▰▰▰▰▰▱▱▱▱"},
		{100, "▰▰▰▰▰▰▰▰▰▰"},
		{140, "▰▰▰▰▰▰▰▰▰▰"},
	}
	for _, tc := range tests {
		if got := bar(tc.value, 10); got != tc.want {
			t.Fatalf("bar(%d): expected %s, got %s", tc.value, tc.want, got)
		}
	}
}
