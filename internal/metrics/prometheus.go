package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const namespace = "mostaql"

// Prometheus implements Sink with client_golang collectors. Registration
// failures are logged and the collector keeps working unregistered.
type Prometheus struct {
	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	cycleRunning  prometheus.Gauge
	jobsCollected prometheus.Counter

	transitionsTotal *prometheus.CounterVec
	jobOutcomesTotal *prometheus.CounterVec

	rateLimitWait    *prometheus.HistogramVec
	aiRequestsTotal  *prometheus.CounterVec
	aiTokensTotal    *prometheus.CounterVec
	notificationsSum *prometheus.CounterVec

	logger *zap.Logger
}

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer, logger *zap.Logger) *Prometheus {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Prometheus{logger: logger}
	s.initCycleMetrics(reg)
	s.initStageMetrics(reg)
	s.initClientMetrics(reg)
	return s
}

func (s *Prometheus) initCycleMetrics(reg prometheus.Registerer) {
	s.cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Pipeline cycles by outcome.",
	}, []string{"outcome"})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of finished cycles.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	s.cycleRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cycle_running",
		Help:      "1 while a cycle is in progress.",
	})
	s.jobsCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_collected_total",
		Help:      "Postings recorded for the first time.",
	})

	s.register(reg, s.cyclesTotal, "cycles_total")
	s.register(reg, s.cycleDuration, "cycle_duration_seconds")
	s.register(reg, s.cycleRunning, "cycle_running")
	s.register(reg, s.jobsCollected, "jobs_collected_total")
}

func (s *Prometheus) initStageMetrics(reg prometheus.Registerer) {
	s.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_transitions_total",
		Help:      "Committed stage transitions.",
	}, []string{"from", "to"})
	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_outcomes_total",
		Help:      "Per-job processing results.",
	}, []string{"outcome"})

	s.register(reg, s.transitionsTotal, "stage_transitions_total")
	s.register(reg, s.jobOutcomesTotal, "job_outcomes_total")
}

func (s *Prometheus) initClientMetrics(reg prometheus.Registerer) {
	s.rateLimitWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for a rate limit token.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"partition"})
	s.aiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ai_requests_total",
		Help:      "AI provider calls by outcome.",
	}, []string{"provider", "outcome"})
	s.aiTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ai_tokens_total",
		Help:      "Tokens reported by AI providers.",
	}, []string{"provider"})
	s.notificationsSum = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	s.register(reg, s.rateLimitWait, "rate_limit_wait_seconds")
	s.register(reg, s.aiRequestsTotal, "ai_requests_total")
	s.register(reg, s.aiTokensTotal, "ai_tokens_total")
	s.register(reg, s.notificationsSum, "notifications_total")
}

func (s *Prometheus) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register metric", zap.String("metric", name), zap.Error(err))
	}
}

func (s *Prometheus) CycleStarted() {
	s.cycleRunning.Set(1)
}

func (s *Prometheus) CycleCompleted(duration time.Duration, outcome string) {
	s.cycleRunning.Set(0)
	s.cyclesTotal.WithLabelValues(outcome).Inc()
	if outcome != CycleSkipped {
		s.cycleDuration.Observe(duration.Seconds())
	}
}

func (s *Prometheus) JobsCollected(count int) {
	s.jobsCollected.Add(float64(count))
}

func (s *Prometheus) StageTransition(from, to string) {
	s.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (s *Prometheus) JobOutcome(outcome string) {
	s.jobOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *Prometheus) RateLimitWait(partition string, wait time.Duration) {
	s.rateLimitWait.WithLabelValues(partition).Observe(wait.Seconds())
}

func (s *Prometheus) AIRequest(provider, outcome string, tokens int) {
	s.aiRequestsTotal.WithLabelValues(provider, outcome).Inc()
	if tokens > 0 {
		s.aiTokensTotal.WithLabelValues(provider).Add(float64(tokens))
	}
}

func (s *Prometheus) NotificationSent(channel, outcome string) {
	s.notificationsSum.WithLabelValues(channel, outcome).Inc()
}
