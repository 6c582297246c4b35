package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)

	m.ObserveReservation("ok")
	m.ObserveReservation("slot_taken")
	m.ObserveReservation("slot_taken")
	m.ObserveWriteConflict("reserve")
	m.ObserveTransition("confirm", "ok")
	m.ObserveSweep(3, 1, 0.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reservationsTotal.WithLabelValues("slot_taken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.writeConflicts.WithLabelValues("reserve")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.slotsReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweepDaysFailed))
}

func TestBookingMetricsNilSafe(t *testing.T) {
	var m *BookingMetrics
	m.ObserveReservation("ok")
	m.ObserveWriteConflict("reserve")
	m.ObserveTransition("confirm", "ok")
	m.ObserveSweep(1, 0, 0.1)
}

func TestHTTPMetricsUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/appointments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/appointments/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/appointments/{id}", "404")))
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewBookingMetrics(reg).ObserveReservation("ok")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `clinic_booking_reservations_total{outcome="ok"} 1`))
}
