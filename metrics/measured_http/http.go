// Package measured_http wraps an http.ServeMux so every request handled
// through it is timed and labeled with the matched pattern, method, and
// response code in Prometheus.
package measured_http

import (
	"fmt"
	"net/http"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

var requestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "acme_http_request_duration_seconds",
		Help: "Time taken by the ACME front end to respond to a request",
	},
	[]string{"endpoint", "method", "code"})

func init() {
	prometheus.MustRegister(requestDuration)
}

// statusCapturingWriter satisfies http.ResponseWriter, recording the
// status code written so it can be attached to the duration observation
// after the handler returns.
type statusCapturingWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// InstrumentedMux wraps an *http.ServeMux, recording a request-duration
// histogram observation for every request it dispatches.
type InstrumentedMux struct {
	*http.ServeMux
	clk clock.Clock
	// durations is normally requestDuration; tests substitute their own.
	durations *prometheus.HistogramVec
}

// New wraps mux so every request it serves is timed using clk.
func New(mux *http.ServeMux, clk clock.Clock) *InstrumentedMux {
	return &InstrumentedMux{
		ServeMux:  mux,
		clk:       clk,
		durations: requestDuration,
	}
}

func (h *InstrumentedMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	begin := h.clk.Now()
	sw := &statusCapturingWriter{ResponseWriter: w}

	handler, pattern := h.Handler(r)
	defer func() {
		h.durations.With(prometheus.Labels{
			"endpoint": pattern,
			"method":   r.Method,
			"code":     fmt.Sprintf("%d", sw.code),
		}).Observe(h.clk.Since(begin).Seconds())
	}()

	handler.ServeHTTP(sw, r)
}
