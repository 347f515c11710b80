package notifier

import (
	"fmt"
	"html"
	"strings"

	"github.com/spigell/mostaql-notifier/internal/domain"
)

// MaxMessageLength is Telegram's limit for one text message.
const MaxMessageLength = 4096

const (
	separator = "━━━━━━━━━━━━━━━━━━"
	maxTags   = 5
	maxFlags  = 4
	maxText   = 700
)

// Format renders the HTML message for a job that passed scoring.
func Format(job *domain.Job, analysis *domain.Analysis, score *domain.Score) string {
	overall := int(score.Value*100 + 0.5)

	lines := []string{bold(header(overall)), ""}
	if job.URL != "" {
		lines = append(lines, "📌 "+link(job.Title, job.URL))
	} else {
		lines = append(lines, "📌 "+bold(job.Title))
	}

	lines = append(lines, "💰 "+escape(budget(job.Budget)))
	lines = append(lines, fmt.Sprintf("📊 %d proposals", job.Proposals))
	if !job.PostedAt.IsZero() {
		lines = append(lines, "🕐 Posted: "+job.PostedAt.UTC().Format("2006-01-02 15:04"))
	}
	if len(job.Tags) > 0 {
		tags := job.Tags
		if len(tags) > maxTags {
			tags = tags[:maxTags]
		}
		lines = append(lines, "🏷 "+escape(strings.Join(tags, " · ")))
	}
	if job.Category != "" {
		lines = append(lines, "📁 "+escape(job.Category))
	}
	if p := publisher(job.Publisher); p != "" {
		lines = append(lines, "👤 "+p)
	}

	lines = append(lines, "", separator, "")
	lines = append(lines, fmt.Sprintf("⚡ Score: <b>%d/100</b>", overall), bar(overall, 15), "")

	if analysis != nil {
		lines = append(lines,
			fmt.Sprintf("🎯 Fit: <b>%d%%</b>", analysis.FitScore),
			fmt.Sprintf("📈 Hiring: <b>%d%%</b>", analysis.HiringProbability),
			fmt.Sprintf("💵 Budget fairness: <b>%d%%</b>", analysis.BudgetFairness),
			fmt.Sprintf("📝 Clarity: <b>%d%%</b>", analysis.JobClarity),
			fmt.Sprintf("🏆 Competition: <b>%d%%</b>", analysis.CompetitionLevel),
		)
		lines = append(lines, analysisLines(analysis)...)
	}

	lines = append(lines, breakdown(score.Breakdown))

	return fit(lines, MaxMessageLength)
}

func analysisLines(a *domain.Analysis) []string {
	var lines []string
	if a.Summary != "" || a.SkillsAnalysis != "" {
		lines = append(lines, "", separator, "")
	}
	if a.Summary != "" {
		lines = append(lines, "📝 <b>Summary:</b>", escape(clip(a.Summary, maxText)), "")
	}
	if a.SkillsAnalysis != "" {
		lines = append(lines, "🎯 <b>Skills:</b>", escape(clip(a.SkillsAnalysis, maxText)), "")
	}

	if len(a.GreenFlags) > 0 || len(a.RedFlags) > 0 {
		lines = append(lines, separator, "")
	}
	if len(a.GreenFlags) > 0 {
		lines = append(lines, "✅ <b>Positives:</b>")
		lines = append(lines, bullets(a.GreenFlags)...)
		lines = append(lines, "")
	}
	if len(a.RedFlags) > 0 {
		lines = append(lines, "⚠️ <b>Warnings:</b>")
		lines = append(lines, bullets(a.RedFlags)...)
		lines = append(lines, "")
	}

	if a.ProposalAngle != "" {
		lines = append(lines, separator, "", "💡 <b>Proposal angle:</b>", escape(clip(a.ProposalAngle, maxText)), "")
	}
	return lines
}

func header(overall int) string {
	switch {
	case overall >= 90:
		return "🔥🔥🔥 Exceptional opportunity!"
	case overall >= 80:
		return "🔥🔥 Strong match, apply now!"
	case overall >= 70:
		return "🔥 Good match"
	default:
		return "📋 New opportunity"
	}
}

func budget(b domain.Budget) string {
	minB, maxB := 0.0, 0.0
	if b.Min != nil {
		minB = *b.Min
	}
	if b.Max != nil {
		maxB = *b.Max
	}
	switch {
	case minB > 0 && maxB > 0 && minB == maxB:
		return fmt.Sprintf("$%.0f", minB)
	case minB > 0 && maxB > 0:
		return fmt.Sprintf("$%.0f - $%.0f", minB, maxB)
	case maxB > 0:
		return fmt.Sprintf("$%.0f", maxB)
	case minB > 0:
		return fmt.Sprintf("$%.0f+", minB)
	case b.Raw != "":
		return b.Raw
	default:
		return "Not specified"
	}
}

func publisher(p domain.Publisher) string {
	if p.Name == "" {
		return ""
	}
	out := escape(p.Name)
	if p.Verified {
		out += " ✔"
	}
	if p.HireRate != nil {
		out += fmt.Sprintf(" · hire rate %.0f%%", *p.HireRate)
	}
	return out
}

func breakdown(b domain.ScoreBreakdown) string {
	return fmt.Sprintf("📊 ai %.2f · budget %.2f · recency %.2f · client %.2f · keywords %+.2f",
		b.AI, b.Budget, b.Recency, b.Client, b.Keywords)
}

// bar draws value (0-100) as a bar of length cells.
func bar(value, length int) string {
	value = min(max(value, 0), 100)
	filled := (value*length + 50) / 100
	return strings.Repeat("▰", filled) + strings.Repeat("▱", length-filled)
}

func bullets(items []string) []string {
	if len(items) > maxFlags {
		items = items[:maxFlags]
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, "  • "+escape(clip(item, maxText)))
	}
	return out
}

// escape covers the three characters Telegram's HTML mode requires.
func escape(s string) string {
	return html.EscapeString(s)
}

func bold(s string) string {
	return "<b>" + escape(s) + "</b>"
}

func link(text, url string) string {
	return `<a href="` + escape(url) + `">` + escape(text) + "</a>"
}

func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

// fit joins lines and drops trailing ones until the message fits. Lines are
// complete HTML fragments so the result never has an open tag.
func fit(lines []string, limit int) string {
	msg := strings.Join(lines, "\n")
	if runeCount(msg) <= limit {
		return msg
	}

	const more = "\n…"
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		msg = strings.Join(lines, "\n")
		if runeCount(msg)+runeCount(more) <= limit {
			return msg + more
		}
	}
	if r := []rune(lines[0]); len(r) > limit {
		return string(r[:limit])
	}
	return lines[0]
}

func runeCount(s string) int { return len([]rune(s)) }
