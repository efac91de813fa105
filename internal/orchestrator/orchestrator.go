// Package orchestrator drives one API request end to end: admission
// (validation, screening, authorization), the provider retry loop, and
// finalization (token accounting, credit debit, ledger completion).
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/balancer"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/ledger"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/registry"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/screen"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
)

const (
	// Attempt bounds for the retry loop.
	maxAttemptsChat  = 10
	maxAttemptsOther = 5

	defaultUpstreamTimeout = 300 * time.Second
)

// errUnsupported marks a selected adapter that cannot serve the capability.
// The attempt is excluded without touching its health stats.
var errUnsupported = errors.New("orchestrator: capability not supported")

// ClientInfo carries per-call transport facts used by authorization and
// screening.
type ClientInfo struct {
	IP        string
	UserAgent string
	Origin    string
}

// Orchestrator owns the per-capability request pipelines.
type Orchestrator struct {
	catalog   *catalog.Catalog
	balancer  *balancer.Balancer
	registry  *registry.Registry
	subs      *subprovider.Service
	screener  *screen.Screener
	ledger    *ledger.Ledger
	discounts *store.DiscountRepo
	log       *slog.Logger
	nowFn     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithClock overrides the time source. Tests only.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.nowFn = fn }
}

// New wires the orchestrator over the live services.
func New(cat *catalog.Catalog, b *balancer.Balancer, reg *registry.Registry, subs *subprovider.Service, scr *screen.Screener, led *ledger.Ledger, discounts *store.DiscountRepo, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:   cat,
		balancer:  b,
		registry:  reg,
		subs:      subs,
		screener:  scr,
		ledger:    led,
		discounts: discounts,
		log:       slog.Default(),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// admission is the validated context a request carries through the pipeline.
type admission struct {
	requestID  string
	user       *store.User
	model      *catalog.Model
	capability adapters.Capability
	endpoint   string
	estInput   int64
	discount   float64
}

type admitParams struct {
	user       *store.User
	client     ClientInfo
	modelID    string
	capability adapters.Capability
	endpoint   string
	// screenContent is the concatenated user-visible text; empty skips
	// screening.
	screenContent string
	screenImage   bool
	estInput      int64
}

// admit runs validation, screening and authorization in order. Any failure
// aborts the request before a ledger row exists.
func (o *Orchestrator) admit(ctx context.Context, p admitParams) (*admission, error) {
	if strings.TrimSpace(p.modelID) == "" {
		return nil, errInvalid("model is required")
	}
	m := o.catalog.ByID(p.modelID)
	if m == nil || !m.SupportsEndpoint(p.endpoint) {
		return nil, errModelNotFound(p.modelID)
	}

	discount := o.activeDiscount(ctx, p.user.ID, m.ID)
	if !m.HasPlanAccess(p.user.Plan) && discount <= 1 {
		return nil, errPlanAccess(m.ID, p.user.Plan)
	}

	if p.screenContent != "" && o.screener != nil {
		verdict := o.screener.Screen(ctx, &screen.Request{
			Content:    p.screenContent,
			ModelID:    m.ID,
			Capability: p.capability,
			UserID:     p.user.ID,
			Plan:       p.user.Plan,
			RPVerified: p.user.IsRPVerified,
			Origin:     p.client.Origin,
			Image:      p.screenImage,
		})
		if verdict.Flagged {
			if p.screenImage {
				return nil, errContentBlocked("Image prompt violates content policy")
			}
			return nil, errContentBlocked("Content violates usage policy")
		}
	}

	if !p.user.IsMasterAdmin {
		if !p.user.Enabled {
			return nil, errAccountDisabled()
		}
		if len(p.user.IPWhitelist) > 0 && !ipAllowed(p.client.IP, p.user.IPWhitelist) {
			return nil, errIPNotAllowed(p.client.IP)
		}
		if p.user.MaxConcurrentRequests > 0 {
			active, err := o.ledger.ActiveCount(ctx, p.user.ID)
			if err != nil {
				return nil, err
			}
			if active >= int64(p.user.MaxConcurrentRequests) {
				return nil, errTooManyActive(p.user.MaxConcurrentRequests)
			}
		}
		expected := catalog.CalculateCredits(m, p.estInput, discount)
		if p.user.Credits < expected {
			return nil, errInsufficientCredits(expected, p.user.Credits)
		}
	}

	return &admission{
		requestID:  uuid.NewString(),
		user:       p.user,
		model:      m,
		capability: p.capability,
		endpoint:   p.endpoint,
		estInput:   p.estInput,
		discount:   discount,
	}, nil
}

// activeDiscount returns the live multiplier for user+model, or 0.
func (o *Orchestrator) activeDiscount(ctx context.Context, userID, modelID string) float64 {
	if o.discounts == nil || userID == "" {
		return 0
	}
	d, err := o.discounts.FindActiveForModel(ctx, userID, modelID, o.nowFn())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.log.WarnContext(ctx, "discount lookup failed", "user", userID, "error", err)
		}
		return 0
	}
	return d.Multiplier
}

// open records the request in the ledger and moves it to processing.
func (o *Orchestrator) open(ctx context.Context, adm *admission) error {
	if err := o.ledger.Open(ctx, &store.APIRequest{
		ID:       adm.requestID,
		UserID:   adm.user.ID,
		Endpoint: adm.endpoint,
		Model:    adm.model.ID,
	}); err != nil {
		return err
	}
	return o.ledger.StartProcessing(ctx, adm.requestID)
}

// attempt identifies the upstream that served (or last failed) a request.
type attempt struct {
	providerID   string
	providerName string
	subID        string
	latency      time.Duration
}

// OpaqueID is the identifier safe to show to clients.
func (a attempt) OpaqueID() string {
	if a.subID != "" {
		return a.subID
	}
	return a.providerID
}

// callFunc runs one capability operation against a derived adapter. It
// returns the result and the upstream-reported token usage (0 when unknown).
type callFunc[T any] func(ctx context.Context, a adapters.Adapter, sel *balancer.Selection) (T, int64, error)

// invoke runs the selection-reservation-call loop, excluding failed
// candidates until success or exhaustion.
func invoke[T any](ctx context.Context, o *Orchestrator, adm *admission, maxAttempts int, call callFunc[T]) (T, attempt, error) {
	var zero T
	var exclude []string
	var lastErr error
	var lastAtt attempt

	for i := 0; i < maxAttempts; i++ {
		sel := o.balancer.Select(ctx, &balancer.Request{
			Model:           adm.model.ID,
			EstimatedTokens: adm.estInput,
			ExcludeIDs:      exclude,
			RequireHealthy:  true,
			Capability:      adm.capability,
		})
		if sel == nil {
			break
		}

		att := attempt{providerID: sel.Provider.ID, providerName: sel.Provider.Name}
		var apiKey string
		var mapping map[string]string
		if sel.SubProvider != nil {
			att.subID = sel.SubProvider.ID
			key, err := o.subs.DecryptKey(att.subID)
			if err != nil {
				o.log.ErrorContext(ctx, "decrypt sub-provider key failed",
					"sub_provider", att.subID, "error", err)
				exclude = append(exclude, att.subID)
				continue
			}
			apiKey = key
			mapping = o.subs.ModelMapping(att.subID)
		}

		a, err := o.registry.DeriveWithKey(sel.Provider.Name, apiKey, mapping)
		if err != nil {
			lastErr = err
			exclude = append(exclude, sel.Provider.ID)
			continue
		}
		if !a.SupportsCapability(adm.capability) {
			exclude = append(exclude, sel.Provider.ID)
			continue
		}

		if att.subID != "" && !o.balancer.RecordRequestStart(att.subID, adm.estInput) {
			exclude = append(exclude, att.subID)
			continue
		}

		timeout := sel.Provider.Timeout
		if timeout <= 0 {
			timeout = defaultUpstreamTimeout
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, tokensUsed, err := call(callCtx, a, sel)
		cancel()
		att.latency = time.Since(start)

		if errors.Is(err, errUnsupported) {
			// Reservation made but no upstream call happened.
			if att.subID != "" {
				o.subs.Release(att.subID)
			}
			exclude = append(exclude, sel.Provider.ID)
			continue
		}

		out := balancer.Outcome{
			ProviderID:    att.providerID,
			SubProviderID: att.subID,
			Success:       err == nil,
			Latency:       att.latency,
			TokensUsed:    tokensUsed,
		}
		if err != nil {
			out.ErrorType = string(adapters.Classify(err))
			out.ErrorMessage = err.Error()
		}
		o.balancer.RecordRequestComplete(ctx, out)

		if err == nil {
			return res, att, nil
		}

		lastErr = err
		lastAtt = att
		o.log.WarnContext(ctx, "upstream attempt failed",
			"request", adm.requestID, "provider", att.providerName,
			"sub_provider", att.subID, "error_type", out.ErrorType)
		if att.subID != "" {
			exclude = append(exclude, att.subID)
		} else {
			exclude = append(exclude, att.providerID)
		}
	}

	if lastErr == nil {
		return zero, lastAtt, errNoCapacity()
	}
	status := adapters.HTTPStatusOf(lastErr, fasthttp.StatusBadGateway)
	return zero, lastAtt, errUpstream(status, lastAtt.OpaqueID())
}

// totalTokens folds upstream usage with length estimates. Output and
// reasoning counts fall back to ceil(chars/4) when the upstream reported
// nothing.
func totalTokens(estInput int64, usage *adapters.Usage, content, reasoning string) int64 {
	var out, reason int64
	if usage != nil && usage.OutputTokens > 0 {
		out = usage.OutputTokens
	} else {
		out = catalog.EstimateTokens(content)
	}
	if usage != nil && usage.ReasoningTokens > 0 {
		reason = usage.ReasoningTokens
	} else if reasoning != "" {
		reason = catalog.EstimateTokens(reasoning)
	}
	return estInput + out + reason
}

// finalize bills and completes the request. Master admins are never debited.
// Idempotent through the ledger's debit claim and completion guard.
func (o *Orchestrator) finalize(ctx context.Context, adm *admission, att attempt, tokens, responseSize int64) int64 {
	credits := catalog.CalculateCredits(adm.model, tokens, adm.discount)

	if !adm.user.IsMasterAdmin && credits > 0 {
		_, err := o.ledger.Debit(ctx, ledger.DebitParams{
			RequestID: adm.requestID,
			UserID:    adm.user.ID,
			Credits:   credits,
			Reason:    string(adm.capability),
			Endpoint:  adm.endpoint,
			Tokens:    tokens,
		})
		if err != nil {
			// The response was already served; billing failures must not
			// fail the request.
			o.log.ErrorContext(ctx, "credit debit failed",
				"request", adm.requestID, "user", adm.user.ID,
				"credits", credits, "error", err)
		}
	}

	done, err := o.ledger.Complete(ctx, &store.APIRequest{
		ID:            adm.requestID,
		TotalTokens:   tokens,
		Credits:       credits,
		ProviderID:    att.providerID,
		SubProviderID: att.subID,
		ResponseSize:  responseSize,
		HTTPStatus:    fasthttp.StatusOK,
	})
	if err != nil {
		o.log.ErrorContext(ctx, "complete request failed",
			"request", adm.requestID, "error", err)
	} else if done {
		o.log.InfoContext(ctx, "request completed",
			"request", adm.requestID, "model", adm.model.ID,
			"tokens", tokens, "credits", credits,
			"latency_ms", att.latency.Milliseconds())
	}
	return credits
}

// fail marks the ledger row failed with the sanitized classification.
func (o *Orchestrator) fail(ctx context.Context, adm *admission, att attempt, err error) {
	status := adapters.HTTPStatusOf(err, fasthttp.StatusBadGateway)
	if ferr := o.ledger.Fail(ctx, adm.requestID, err.Error(), status, att.providerID); ferr != nil {
		o.log.ErrorContext(ctx, "fail request failed",
			"request", adm.requestID, "error", ferr)
	}
}

func ipAllowed(ip string, whitelist []string) bool {
	for _, allowed := range whitelist {
		if ip == allowed {
			return true
		}
	}
	return false
}

// concatMessages builds the screener input from the user-visible turns.
func concatMessages(messages []adapters.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == "system" || m.Role == "developer" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// estimateMessages sums the length estimate over all turns.
func estimateMessages(messages []adapters.Message) int64 {
	var total int64
	for _, m := range messages {
		total += catalog.EstimateTokens(m.Content)
	}
	return total
}
