package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic"

// BookingMetrics exposes counters and histograms for reservation flows.
// A nil *BookingMetrics is valid and records nothing.
type BookingMetrics struct {
	reservationsTotal *prometheus.CounterVec
	writeConflicts    *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	slotsReleased     prometheus.Counter
	sweepDaysFailed   prometheus.Counter
	sweepDuration     prometheus.Histogram
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		reservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome",
		}, []string{"outcome"}),
		writeConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "write_conflicts_total",
			Help:      "Optimistic write conflicts that triggered a retry",
		}, []string{"op"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Appointment status transitions by outcome",
		}, []string{"transition", "outcome"}),
		slotsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "slots_released_total",
			Help:      "Expired holds released by the reaper",
		}),
		sweepDaysFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "days_failed_total",
			Help:      "Schedule days the reaper failed to process",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one reaper sweep",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.reservationsTotal, m.writeConflicts, m.transitionsTotal, m.slotsReleased, m.sweepDaysFailed, m.sweepDuration)
	return m
}

func (m *BookingMetrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveWriteConflict(op string) {
	if m == nil {
		return
	}
	m.writeConflicts.WithLabelValues(op).Inc()
}

func (m *BookingMetrics) ObserveTransition(transition, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(transition, outcome).Inc()
}

func (m *BookingMetrics) ObserveSweep(releasedSlots, failedDays int, seconds float64) {
	if m == nil {
		return
	}
	m.slotsReleased.Add(float64(releasedSlots))
	m.sweepDaysFailed.Add(float64(failedDays))
	m.sweepDuration.Observe(seconds)
}

// HTTPMetrics records request counts and latencies per chi route pattern.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.inFlight)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.status = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Middleware must be mounted inside a chi router so the route pattern is known.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := strconv.Itoa(rec.status)
		m.requestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
