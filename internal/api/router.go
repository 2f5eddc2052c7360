package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/adaefler-art/codefactory-control/internal/logging"
)

// RequestObserver records per-route request outcomes.
type RequestObserver interface {
	ObserveRequest(route string, code int)
}

type RouterOptions struct {
	// RPS <= 0 disables rate limiting.
	RPS      float64
	Burst    int
	Gatherer prometheus.Gatherer
	Requests RequestObserver
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()
	var limiter *rate.Limiter
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst)
	}

	route := func(pattern string, fn http.HandlerFunc, authed bool) {
		var next http.Handler = fn
		if authed {
			next = h.requireAuth(next)
			next = rateLimit(limiter, next)
		}
		mux.Handle(pattern, instrument(h, pattern, opts.Requests, next))
	}

	route("POST /v1/verdicts", h.CreateVerdict, true)
	route("GET /v1/verdicts/{id}", h.GetVerdict, true)
	route("GET /v1/verdicts/{id}/audit", h.GetAudit, true)
	route("POST /v1/verdicts/{id}/audit", h.AppendAudit, true)
	route("POST /v1/gate", h.Gate, true)
	route("GET /v1/consistency", h.Consistency, true)
	route("GET /v1/statistics", h.Statistics, true)
	route("GET /v1/playbooks", h.ListPlaybooks, true)
	route("POST /v1/incidents", h.CreateIncident, true)
	route("GET /v1/incidents/{id}", h.GetIncident, true)
	route("POST /v1/incidents/{id}/runs", h.RunPlaybook, true)
	route("GET /v1/incidents/{id}/runs", h.ListRuns, true)
	route("GET /healthz", h.Healthz, false)

	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.ensureAuth(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(h *Handler, pattern string, obs RequestObserver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, reqID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if obs != nil {
			obs.ObserveRequest(pattern, rec.status)
		}
		h.Logger.Debug().
			Str("request_id", reqID).
			Str("route", pattern).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
