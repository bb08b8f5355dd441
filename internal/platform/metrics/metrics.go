package metrics

import (
	"net/http"
	"strconv"
	"time"

	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement"

// Metrics records pipeline counters on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent      *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	responses         *prometheus.CounterVec
	duplicates        *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	rewardsFinalized  *prometheus.CounterVec
	epochDuration     prometheus.Histogram
	httpRequestsTotal *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Scoring requests published per channel.",
		}, []string{"channel"}),
		sendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_send_failures_total",
			Help:      "Scoring requests that exhausted their send retries.",
		}, []string{"channel"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_received_total",
			Help:      "Scoring responses accepted per channel.",
		}, []string{"channel"}),
		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_duplicate_total",
			Help:      "Scoring responses ignored as duplicates.",
		}, []string{"channel"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_dropped_total",
			Help:      "Scoring responses dropped before tracking.",
		}, []string{"channel", "reason"}),
		rewardsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_finalized_total",
			Help:      "Reward records moved to pending.",
		}, []string{"channel"}),
		epochDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "epoch_processing_seconds",
			Help:      "Time from first dispatch to epoch completion.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
		}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) MessageSent(channel entities.Channel) {
	m.messagesSent.WithLabelValues(string(channel)).Inc()
}

func (m *Metrics) MessageSendFailed(channel entities.Channel) {
	m.sendFailures.WithLabelValues(string(channel)).Inc()
}

func (m *Metrics) ResponseReceived(channel entities.Channel) {
	m.responses.WithLabelValues(string(channel)).Inc()
}

func (m *Metrics) DuplicateResponse(channel entities.Channel) {
	m.duplicates.WithLabelValues(string(channel)).Inc()
}

func (m *Metrics) ResponseDropped(channel entities.Channel, reason string) {
	m.dropped.WithLabelValues(string(channel), reason).Inc()
}

func (m *Metrics) RewardsFinalized(channel entities.Channel, count int) {
	m.rewardsFinalized.WithLabelValues(string(channel)).Add(float64(count))
}

func (m *Metrics) EpochCompleted(duration time.Duration) {
	m.epochDuration.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument counts requests served by next under the given route label.
func (m *Metrics) Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

var _ ports.Metrics = (*Metrics)(nil)
