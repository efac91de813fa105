// Package server is the HTTP edge of the gateway.
//
// It exposes the OpenAI-compatible surface (/v1/...), authenticates API keys
// against the user store, applies per-user rate limits, and hands validated
// requests to the orchestrator. Handlers stay thin: parsing, auth, and
// response envelopes live here; admission, screening, routing, and billing
// live in the orchestrator.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/analytics"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/metrics"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/orchestrator"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/ratelimit"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
	"github.com/ariezmeoww/voidai-backend-sub000/pkg/apierr"
)

// Options holds optional server dependencies. All fields are nil-safe.
type Options struct {
	// Logger is the structured logger. Defaults to slog.Default.
	Logger *slog.Logger

	// RPMLimiter applies per-user request-rate limits when non-nil.
	RPMLimiter *ratelimit.RPMLimiter

	// Metrics enables Prometheus metrics collection when non-nil.
	Metrics *metrics.Registry

	// Analytics receives per-request analytics events when non-nil.
	Analytics *analytics.Recorder

	// Subs enables the admin sub-provider routes when non-nil.
	Subs *subprovider.Service

	// Keyring seals API keys submitted through the admin routes.
	// Required when Subs is set.
	Keyring *secrets.Keyring

	// CORSOrigins is the allowed-origin list. nil or ["*"] allows any.
	CORSOrigins []string

	// Version is reported by /health and the build info metric.
	Version string
}

// Server owns the fasthttp listener and route table.
type Server struct {
	orch  *orchestrator.Orchestrator
	users *store.UserRepo
	cat   *catalog.Catalog

	limiter   *ratelimit.RPMLimiter
	metrics   *metrics.Registry
	analytics *analytics.Recorder
	subs      *subprovider.Service
	keyring   *secrets.Keyring
	gate      *userGate

	log         *slog.Logger
	corsOrigins []string
	version     string

	srv *fasthttp.Server
}

// New builds a Server. orch, users, and cat are required.
func New(orch *orchestrator.Orchestrator, users *store.UserRepo, cat *catalog.Catalog, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	if opts.Metrics != nil {
		opts.Metrics.SetBuildInfo(version)
	}
	return &Server{
		orch:        orch,
		users:       users,
		cat:         cat,
		limiter:     opts.RPMLimiter,
		metrics:     opts.Metrics,
		analytics:   opts.Analytics,
		subs:        opts.Subs,
		keyring:     opts.Keyring,
		gate:        newUserGate(),
		log:         log,
		corsOrigins: opts.CORSOrigins,
		version:     version,
	}
}

// Handler builds the full route table with the middleware chain applied.
// Exposed separately from Start so tests can drive it in-process.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.authed("chat_completions", s.handleChatCompletions))
	r.POST("/v1/responses", s.authed("responses", s.handleResponses))
	r.POST("/v1/embeddings", s.authed("embeddings", s.handleEmbeddings))
	r.POST("/v1/moderations", s.authed("moderations", s.handleModerations))
	r.POST("/v1/images/generations", s.authed("images", s.handleImages))
	r.POST("/v1/images/edits", s.authed("image_edits", s.handleImageEdits))
	r.POST("/v1/audio/speech", s.authed("speech", s.handleSpeech))
	r.POST("/v1/audio/transcriptions", s.authed("transcriptions", s.handleTranscriptions))

	r.POST("/v1/videos", s.authed("videos", s.handleVideoCreate))
	r.GET("/v1/videos", s.authed("videos", s.handleVideoList))
	r.GET("/v1/videos/{id}", s.authed("videos", s.handleVideoStatus))
	r.GET("/v1/videos/{id}/content", s.authed("videos", s.handleVideoDownload))
	r.DELETE("/v1/videos/{id}", s.authed("videos", s.handleVideoDelete))
	r.POST("/v1/videos/{id}/remix", s.authed("videos", s.handleVideoRemix))

	r.GET("/v1/models", s.authed("models", s.handleModels))

	if s.subs != nil {
		r.GET("/admin/sub-providers", s.admin("admin_subs", s.handleSubProviderList))
		r.POST("/admin/sub-providers", s.admin("admin_subs", s.handleSubProviderCreate))
		r.POST("/admin/sub-providers/{id}/enable", s.admin("admin_subs", s.handleSubProviderEnable))
		r.POST("/admin/sub-providers/{id}/disable", s.admin("admin_subs", s.handleSubProviderDisable))
		r.POST("/admin/sub-providers/{id}/breaker", s.admin("admin_subs", s.handleSubProviderBreaker))
		r.DELETE("/admin/sub-providers/{id}", s.admin("admin_subs", s.handleSubProviderDelete))
		r.POST("/admin/users/credits/reset", s.admin("admin_users", s.handleCreditsReset))
	}

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler: s.Handler(),
		// Generous read/write windows: streaming responses and audio
		// uploads both outlive typical API timeouts.
		ReadTimeout:        120 * time.Second,
		WriteTimeout:       10 * time.Minute,
		MaxRequestBodySize: 64 << 20,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	// The store is opened before the listener starts; reaching this handler
	// means the process is serving.
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleModels lists the models the authenticated user's plan can access.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx, u *store.User) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var data []modelEntry
	for _, m := range s.cat.All() {
		if !m.HasPlanAccess(u.Plan) && !u.IsMasterAdmin {
			continue
		}
		data = append(data, modelEntry{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// writeError maps orchestrator errors onto the OpenAI error envelope. Every
// non-RequestError is an internal fault and deliberately opaque.
func (s *Server) writeError(ctx *fasthttp.RequestCtx, err error) {
	var re *orchestrator.RequestError
	if errors.As(err, &re) {
		apierr.Write(ctx, re.HTTPStatus(), re.Message, re.Type, re.Code)
		return
	}
	s.log.ErrorContext(ctx, "unhandled request error", "error", err)
	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
}

// record emits one analytics event. Never blocks.
func (s *Server) record(ev analytics.Event) {
	if s.analytics != nil {
		s.analytics.Record(ev)
	}
}

// clientInfo extracts the caller's network identity for admission checks.
func clientInfo(ctx *fasthttp.RequestCtx) orchestrator.ClientInfo {
	ip, _, _ := strings.Cut(string(ctx.Request.Header.Peek("X-Forwarded-For")), ",")
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = ctx.RemoteIP().String()
	}
	origin := string(ctx.Request.Header.Peek("Origin"))
	if origin == "" {
		origin = string(ctx.Request.Header.Peek("Referer"))
	}
	return orchestrator.ClientInfo{
		IP:        ip,
		UserAgent: string(ctx.Request.Header.UserAgent()),
		Origin:    origin,
	}
}
