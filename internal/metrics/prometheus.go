package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Poll loop metrics
	pollsTotal     *prometheus.CounterVec
	pollDuration   prometheus.Histogram
	conflictsTotal prometheus.Counter

	// Confirmation machine metrics
	attemptsStartedTotal  *prometheus.CounterVec
	attemptsResolvedTotal *prometheus.CounterVec
	attemptPolls          prometheus.Histogram
	attemptDuration       prometheus.Histogram
	attemptsInFlight      prometheus.Gauge
	checkNowTotal         prometheus.Counter

	// Broadcaster metrics
	bufferSize         prometheus.Gauge
	publishErrorsTotal prometheus.Counter

	// Sweeper metrics
	sweepsTotal        *prometheus.CounterVec
	sweptAttemptsTotal prometheus.Counter

	// Leader election metrics
	leaderStatus prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initPollMetrics(reg)
	s.initMachineMetrics(reg)
	s.initInfraMetrics(reg)
	return s
}

func (s *PrometheusSink) initPollMetrics(reg prometheus.Registerer) {
	s.pollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "akuafopay_polls_total",
		Help: "Total number of completed verification polls.",
	}, []string{"outcome"})
	s.pollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "akuafopay_poll_duration_seconds",
		Help:    "Duration of each verification poll in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.conflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "akuafopay_verification_conflicts_total",
		Help: "Total number of polls where the two verification sources disagreed on a decided outcome.",
	})

	s.register(reg, s.pollsTotal, "akuafopay_polls_total")
	s.register(reg, s.pollDuration, "akuafopay_poll_duration_seconds")
	s.register(reg, s.conflictsTotal, "akuafopay_verification_conflicts_total")
}

func (s *PrometheusSink) initMachineMetrics(reg prometheus.Registerer) {
	s.attemptsStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "akuafopay_attempts_started_total",
		Help: "Total number of confirmation attempts initiated.",
	}, []string{"kind"})
	s.attemptsResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "akuafopay_attempts_resolved_total",
		Help: "Total number of attempts per terminal outcome.",
	}, []string{"outcome"})
	s.attemptPolls = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "akuafopay_attempt_polls",
		Help:    "Verification polls made before an attempt resolved.",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 30, 50},
	})
	s.attemptDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "akuafopay_attempt_duration_seconds",
		Help:    "Wall time from initiation to terminal phase in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
	s.attemptsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "akuafopay_attempts_in_flight",
		Help: "Number of confirmation attempts currently being polled.",
	})
	s.checkNowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "akuafopay_check_now_total",
		Help: "Total number of out-of-band verification requests.",
	})

	s.register(reg, s.attemptsStartedTotal, "akuafopay_attempts_started_total")
	s.register(reg, s.attemptsResolvedTotal, "akuafopay_attempts_resolved_total")
	s.register(reg, s.attemptPolls, "akuafopay_attempt_polls")
	s.register(reg, s.attemptDuration, "akuafopay_attempt_duration_seconds")
	s.register(reg, s.attemptsInFlight, "akuafopay_attempts_in_flight")
	s.register(reg, s.checkNowTotal, "akuafopay_check_now_total")
}

func (s *PrometheusSink) initInfraMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "akuafopay_notify_buffer_size",
		Help: "Current number of state changes queued for broadcast.",
	})
	s.publishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "akuafopay_notify_publish_errors_total",
		Help: "Total number of state-change publish failures (dropped or NATS error).",
	})
	s.sweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "akuafopay_sweeper_sweeps_total",
		Help: "Total number of sweep cycles.",
	}, []string{"result"})
	s.sweptAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "akuafopay_sweeper_swept_attempts_total",
		Help: "Total number of stale attempts marked timed out by the sweeper.",
	})
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "akuafopay_leader_status",
		Help: "1 when this instance holds the sweep leadership, 0 otherwise.",
	})

	s.register(reg, s.bufferSize, "akuafopay_notify_buffer_size")
	s.register(reg, s.publishErrorsTotal, "akuafopay_notify_publish_errors_total")
	s.register(reg, s.sweepsTotal, "akuafopay_sweeper_sweeps_total")
	s.register(reg, s.sweptAttemptsTotal, "akuafopay_sweeper_swept_attempts_total")
	s.register(reg, s.leaderStatus, "akuafopay_leader_status")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Poll loop metrics implementation

func (s *PrometheusSink) PollCompleted(outcome string, duration time.Duration) {
	s.pollsTotal.WithLabelValues(outcome).Inc()
	s.pollDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) VerificationConflict() {
	s.conflictsTotal.Inc()
}

// Confirmation machine metrics implementation

func (s *PrometheusSink) AttemptStarted(kind string) {
	s.attemptsStartedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) AttemptResolved(outcome string, polls int, elapsed time.Duration) {
	s.attemptsResolvedTotal.WithLabelValues(outcome).Inc()
	s.attemptPolls.Observe(float64(polls))
	s.attemptDuration.Observe(elapsed.Seconds())
}

func (s *PrometheusSink) AttemptsInFlightIncr() {
	s.attemptsInFlight.Inc()
}

func (s *PrometheusSink) AttemptsInFlightDecr() {
	s.attemptsInFlight.Dec()
}

func (s *PrometheusSink) CheckNowRequested() {
	s.checkNowTotal.Inc()
}

// Broadcaster metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) PublishError() {
	s.publishErrorsTotal.Inc()
}

// Sweeper metrics implementation

func (s *PrometheusSink) SweepCompleted(swept int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	s.sweepsTotal.WithLabelValues(result).Inc()
	s.sweptAttemptsTotal.Add(float64(swept))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusUpdate(leading bool) {
	if leading {
		s.leaderStatus.Set(1)
		return
	}
	s.leaderStatus.Set(0)
}
