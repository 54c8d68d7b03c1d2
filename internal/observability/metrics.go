// Package observability exposes Prometheus metrics and OpenTelemetry tracing
// for the test stand.
package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MickyRosa/VisTrain2.0/internal/acquisition"
	"github.com/MickyRosa/VisTrain2.0/internal/dispatch"
)

// Collector bundles the test stand's Prometheus metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Commands       *prometheus.CounterVec
	EmergencyStops prometheus.Counter
	Runs           *prometheus.CounterVec
	CurrentNotch   *prometheus.GaugeVec
	Samples        prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
	HTTPDurations  *prometheus.HistogramVec
}

var (
	_ dispatch.Observer    = (*Collector)(nil)
	_ acquisition.Observer = (*Collector)(nil)
)

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry reuses the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teststand_commands_total",
		Help: "Commands sent to the command station, labeled by kind and result.",
	}, []string{"kind", "result"}), "teststand_commands_total")
	if err != nil {
		return nil, err
	}
	estops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_emergency_stops_total",
		Help: "Network-wide halt commands issued.",
	}), "teststand_emergency_stops_total")
	if err != nil {
		return nil, err
	}
	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teststand_runs_total",
		Help: "Finished measurement runs, labeled by outcome.",
	}, []string{"outcome"}), "teststand_runs_total")
	if err != nil {
		return nil, err
	}
	notch, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "teststand_current_notch",
		Help: "Last commanded notch per locomotive.",
	}, []string{"locomotive"}), "teststand_current_notch")
	if err != nil {
		return nil, err
	}
	samples, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "teststand_samples_total",
		Help: "Recorded acquisition samples.",
	}), "teststand_samples_total")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teststand_http_requests_total",
		Help: "Handled HTTP requests, labeled by route pattern and status code.",
	}, []string{"route", "code"}), "teststand_http_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teststand_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"route"}), "teststand_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Commands:       commands,
		EmergencyStops: estops,
		Runs:           runs,
		CurrentNotch:   notch,
		Samples:        samples,
		HTTPRequests:   requests,
		HTTPDurations:  durations,
	}, nil
}

// ObserveCommand implements dispatch.Observer.
func (c *Collector) ObserveCommand(kind string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Commands.WithLabelValues(kind, result).Inc()
	if kind == dispatch.KindPanic {
		c.EmergencyStops.Inc()
	}
}

// ObserveSample implements acquisition.Observer.
func (c *Collector) ObserveSample(acquisition.Sample) {
	if c == nil {
		return
	}
	c.Samples.Inc()
}

// ObserveRun counts a finished run.
func (c *Collector) ObserveRun(outcome string) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(outcome).Inc()
}

// SetNotch records the last commanded notch of a locomotive.
func (c *Collector) SetNotch(locomotive string, notch int) {
	if c == nil {
		return
	}
	c.CurrentNotch.WithLabelValues(locomotive).Set(float64(notch))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if c == nil {
			return
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		c.HTTPDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
