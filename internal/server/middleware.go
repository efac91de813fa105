package server

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/secrets"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/pkg/apierr"
)

// authedHandler is a route handler with the authenticated user resolved.
type authedHandler func(ctx *fasthttp.RequestCtx, u *store.User)

// userGate bounds concurrent in-flight requests per user.
type userGate struct {
	mu       sync.Mutex
	inflight map[string]int
}

func newUserGate() *userGate {
	return &userGate{inflight: make(map[string]int)}
}

func (g *userGate) tryAcquire(id string, limit int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight[id] >= limit {
		return false
	}
	g.inflight[id]++
	return true
}

func (g *userGate) release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.inflight[id]; n <= 1 {
		delete(g.inflight, id)
	} else {
		g.inflight[id] = n - 1
	}
}

// authed wraps a handler with API key authentication, per-user rate limiting,
// and per-route instrumentation.
func (s *Server) authed(route string, h authedHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.IncInFlight()
		}
		defer func() {
			if s.metrics != nil {
				s.metrics.DecInFlight()
				s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
			}
		}()

		key := extractAPIKey(ctx)
		if key == "" {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"missing API key; pass it in the Authorization header as 'Bearer <key>'",
				apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
			return
		}

		u, err := s.users.FindByAPIKeyHash(ctx, secrets.Hash(key))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				apierr.Write(ctx, fasthttp.StatusUnauthorized,
					"invalid API key",
					apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
				return
			}
			s.log.ErrorContext(ctx, "api key lookup failed", "error", err)
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}

		if s.limiter != nil {
			allowed, lerr := s.limiter.Allow(ctx, u.ID)
			if lerr == nil && !allowed {
				if s.metrics != nil {
					s.metrics.RecordRateLimit("blocked")
				}
				s.log.WarnContext(ctx, "rate limit exceeded",
					slog.String("user", u.ID), slog.String("route", route))
				apierr.WriteRateLimit(ctx)
				return
			}
			if s.metrics != nil {
				s.metrics.RecordRateLimit("allowed")
			}
		}

		// Concurrency gate counts admission only; a streamed body writer
		// running after the handler returns is no longer held against the
		// user's slot.
		if u.MaxConcurrentRequests > 0 {
			if !s.gate.tryAcquire(u.ID, u.MaxConcurrentRequests) {
				s.log.WarnContext(ctx, "concurrent request limit reached",
					slog.String("user", u.ID), slog.String("route", route))
				apierr.Write(ctx, fasthttp.StatusTooManyRequests,
					"too many concurrent requests",
					apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
				return
			}
			defer s.gate.release(u.ID)
		}

		h(ctx, u)
	}
}

// extractAPIKey reads the key from Authorization: Bearer or x-api-key.
func extractAPIKey(ctx *fasthttp.RequestCtx) string {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key")))
}

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error":{"message":"internal server error","type":"server_error","code":"internal_error"}}`)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored in the
// request context under the key "request_id" for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header. The value uses Go's default Duration string format (e.g. "2.5ms").
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds HTTP security headers recommended by OWASP to every
// response. These headers have no effect on the API functionality but harden
// the server against common web attacks.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		// X-XSS-Protection is deprecated; set to 0 and rely on CSP instead.
		h.Set("X-XSS-Protection", "0")
		// API-only CSP: no HTML resources served, so deny everything.
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler returns a CORS middleware configured for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *  (open)
//   - specific origins      → joined with ", "  (strict allowlist)
//
// OPTIONS preflight requests are answered with 204 No Content and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h with the given middleware chain. The first middleware
// in the slice becomes the outermost wrapper (executes first on request,
// last on response). This matches the conventional "left-to-right" ordering:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
