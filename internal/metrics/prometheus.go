// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{capability,status}
	requestsTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,capability,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,capability,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_credits_billed_total{model}
	creditsTotal *prometheus.CounterVec

	// gateway_breaker_state{sub_provider} — 0=closed, 1=open, 2=half-open
	breakerState *prometheus.GaugeVec

	// gateway_breaker_transitions_total{sub_provider,to_state}
	breakerTransitions *prometheus.CounterVec

	// gateway_selection_exhausted_total{model}
	selectionExhausted *prometheus.CounterVec

	// gateway_screen_verdicts_total{risk}
	screenVerdicts *prometheus.CounterVec

	// gateway_users_disabled_total
	usersDisabled prometheus.Counter

	// gateway_discounts_granted_total
	discountsGranted prometheus.Counter

	// gateway_discounts_active
	discountsActive prometheus.Gauge

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	breakerMu   sync.Mutex
	lastBreaker map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastBreaker: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes screening + upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of gateway requests by capability and final status",
			},
			[]string{"capability", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries)",
			},
			[]string{"provider", "capability", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
			},
			[]string{"provider", "capability", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Total provider errors by classified type",
			},
			[]string{"provider", "error_type"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"model", "direction"},
		),

		creditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credits_billed_total",
				Help: "Credits billed to users",
			},
			[]string{"model"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_breaker_state",
				Help: "Sub-provider circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"sub_provider"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"sub_provider", "to_state"},
		),

		selectionExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_selection_exhausted_total",
				Help: "Requests that exhausted every candidate sub-provider",
			},
			[]string{"model"},
		),

		screenVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_screen_verdicts_total",
				Help: "Content screening verdicts by risk level",
			},
			[]string{"risk"},
		),

		usersDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_users_disabled_total",
			Help: "Accounts disabled by the content screener",
		}),

		discountsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_discounts_granted_total",
			Help: "Discounts assigned by the daily rollout",
		}),

		discountsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_discounts_active",
			Help: "Currently live discount rows",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.tokensTotal,
		r.creditsTotal,
		r.breakerState,
		r.breakerTransitions,
		r.selectionExhausted,
		r.screenVerdicts,
		r.usersDisabled,
		r.discountsGranted,
		r.discountsActive,
		r.rateLimitTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records the final outcome of one gateway request.
func (r *Registry) RecordRequest(capability string, statusCode int) {
	r.requestsTotal.WithLabelValues(capability, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, capability, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, capability, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, capability, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordProviderError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) AddCredits(model string, credits int64) {
	if credits > 0 {
		r.creditsTotal.WithLabelValues(model).Add(float64(credits))
	}
}

// SetBreakerState sets the breaker gauge and increments a transition counter
// when the state changes.
func (r *Registry) SetBreakerState(subProvider string, state int64) {
	r.breakerState.WithLabelValues(subProvider).Set(float64(state))

	r.breakerMu.Lock()
	prev, ok := r.lastBreaker[subProvider]
	if !ok || prev != float64(state) {
		r.lastBreaker[subProvider] = float64(state)
		r.breakerTransitions.WithLabelValues(subProvider, strconv.FormatInt(state, 10)).Inc()
	}
	r.breakerMu.Unlock()
}

func (r *Registry) RecordSelectionExhausted(model string) {
	r.selectionExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordScreenVerdict(risk string) {
	r.screenVerdicts.WithLabelValues(risk).Inc()
}

func (r *Registry) RecordUserDisabled() {
	r.usersDisabled.Inc()
}

func (r *Registry) RecordDiscountGranted() {
	r.discountsGranted.Inc()
}

func (r *Registry) SetActiveDiscounts(n int) {
	r.discountsActive.Set(float64(n))
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// SetProviderHealth maps the stored health status onto the gauge.
func (r *Registry) SetProviderHealth(provider, status string) {
	var v float64
	switch status {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
