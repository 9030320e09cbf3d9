// Package metrics exposes prometheus collectors for generations, jobs and
// the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/events"
)

const namespace = "threadline"

type Metrics struct {
	registry *prometheus.Registry

	generations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	citations   prometheus.Counter
	images      prometheus.Counter
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, along with the process
// and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation lifecycle events by path and outcome.",
		}, []string{"path", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall clock duration of completed generations.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"path", "model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Prompt and completion tokens of completed generations.",
		}, []string{"model", "direction"}),
		citations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_citations_total",
			Help:      "Grounding citations recorded on search answers.",
		}),
		images: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_generated_total",
			Help:      "Images stored as attachments.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.generations, m.duration, m.tokens, m.citations, m.images, m.requests, m.latency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterRunningJobs exposes the number of running jobs as reported by f.
func (m *Metrics) RegisterRunningJobs(f func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "running_jobs",
		Help:      "Generation and title jobs currently running.",
	}, func() float64 { return float64(f()) }))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe updates the generation collectors from one event.
func (m *Metrics) Observe(ev events.Event) {
	meta := ev.Metadata()
	path := meta.Path
	switch ev.Type() {
	case events.EventTypeStart:
		m.generations.WithLabelValues(path, "started").Inc()
	case events.EventTypeFinal:
		m.generations.WithLabelValues(path, "completed").Inc()
		if meta.DurationMs != nil {
			m.duration.WithLabelValues(path, meta.Model).Observe(float64(*meta.DurationMs) / 1000)
		}
		if meta.Usage != nil {
			m.tokens.WithLabelValues(meta.Model, "prompt").Add(float64(meta.Usage.InputTokens))
			m.tokens.WithLabelValues(meta.Model, "completion").Add(float64(meta.Usage.OutputTokens))
		}
	case events.EventTypeError:
		m.generations.WithLabelValues(path, "failed").Inc()
	case events.EventTypeInterrupt:
		m.generations.WithLabelValues(path, "interrupted").Inc()
	case events.EventTypeCitation:
		if c, ok := ev.(*events.EventCitation); ok {
			m.citations.Add(float64(len(c.Citations)))
		}
	case events.EventTypeImage:
		m.images.Inc()
	}
}

// HandleEvent is the router handler for the generation events topic.
func (m *Metrics) HandleEvent(msg *message.Message) error {
	defer msg.Ack()
	ev, err := events.NewEventFromJson(msg.Payload)
	if err != nil {
		log.Debug().Err(err).Str("message_id", msg.UUID).Msg("skipping unparsable event")
		return nil
	}
	m.Observe(ev)
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware counts requests under route, which should be the route
// template rather than the raw path.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
