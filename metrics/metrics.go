// Package metrics provides Prometheus instrumentation for the console:
// engine-level protocol counters, HTTP request metrics, and fleet gauges.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manlab/nodescope-go/internal/engine"
	"github.com/manlab/nodescope-go/wire"
)

// Sink feeds engine observations into Prometheus counters.
type Sink struct {
	sessionsOpened *prometheus.CounterVec
	sessionsClosed prometheus.Counter
	listsServed    *prometheus.CounterVec
	listEntries    *prometheus.CounterVec
	readsServed    *prometheus.CounterVec
	readBytes      *prometheus.CounterVec
	errorsReturned *prometheus.CounterVec
}

var _ engine.MetricsSink = (*Sink)(nil)

// New registers the engine collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fac := promauto.With(reg)

	return &Sink{
		sessionsOpened: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodescope_sessions_opened_total",
				Help: "Sessions issued, by resource kind",
			},
			[]string{"kind"},
		),
		sessionsClosed: fac.NewCounter(
			prometheus.CounterOpts{
				Name: "nodescope_sessions_closed_total",
				Help: "Sessions released early by explicit close",
			},
		),
		listsServed: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodescope_lists_served_total",
				Help: "Directory listings served, by resource kind",
			},
			[]string{"kind"},
		),
		listEntries: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodescope_list_entries_total",
				Help: "Directory entries returned across all listings",
			},
			[]string{"kind"},
		),
		readsServed: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodescope_reads_served_total",
				Help: "Content chunks served, by resource kind",
			},
			[]string{"kind"},
		),
		readBytes: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodescope_read_bytes_total",
				Help: "Content bytes served, by resource kind",
			},
			[]string{"kind"},
		),
		errorsReturned: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodescope_errors_total",
				Help: "Protocol errors returned, by error code",
			},
			[]string{"code"},
		),
	}
}

func (s *Sink) SessionCreated(kind wire.Kind) {
	s.sessionsOpened.WithLabelValues(string(kind)).Inc()
}

func (s *Sink) SessionClosed() {
	s.sessionsClosed.Inc()
}

func (s *Sink) ListServed(kind wire.Kind, entries int) {
	s.listsServed.WithLabelValues(string(kind)).Inc()
	s.listEntries.WithLabelValues(string(kind)).Add(float64(entries))
}

func (s *Sink) ReadServed(kind wire.Kind, bytes int) {
	s.readsServed.WithLabelValues(string(kind)).Inc()
	s.readBytes.WithLabelValues(string(kind)).Add(float64(bytes))
}

func (s *Sink) ErrorReturned(code wire.Code) {
	s.errorsReturned.WithLabelValues(string(code)).Inc()
}

// RegisterNodeGauges samples fleet counts from the supplied callbacks on
// every scrape.
func RegisterNodeGauges(reg prometheus.Registerer, online, known func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fac := promauto.With(reg)
	fac.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nodescope_nodes_online",
			Help: "Subjects currently holding an agent link",
		},
		func() float64 { return float64(online()) },
	)
	fac.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "nodescope_nodes_known",
			Help: "Subjects known to the registry, online or recently seen",
		},
		func() float64 { return float64(known()) },
	)
}

// Handler serves the scrape endpoint for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// HTTPMetrics instruments an HTTP handler with request counts and latency.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics registers the HTTP collectors with reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fac := promauto.With(reg)

	return &HTTPMetrics{
		requestsTotal: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodescope_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: fac.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nodescope_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Middleware records one observation per request.
func (h *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := normalizeRoute(r.URL.Path)
		h.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		h.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// normalizeRoute collapses per-session and per-subject path segments so the
// route label stays low-cardinality.
func normalizeRoute(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 4 && parts[0] == "api" {
		switch parts[2] {
		case "sessions":
			parts[3] = "{session}"
		case "nodes":
			parts[3] = "{subject}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter captures the response status for the request counter.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
