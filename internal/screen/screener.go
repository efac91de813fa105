// Package screen decides whether request content may reach an upstream
// provider. Verdicts come from a moderation model, with a content-hash cache
// in front and an origin blacklist for free-tier traffic.
package screen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/cache"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/catalog"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
)

const (
	cacheKeyPrefix = "security:"
	cacheTTL       = 24 * time.Hour

	criticalThreshold = 0.85
	mediumThreshold   = 0.85
	imageThreshold    = 0.65

	minorsCategory         = "sexual/minors"
	minorsCategoryFallback = "sexual-minors"
)

// Risk levels, ordered by severity.
const (
	RiskSafe     = "safe"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Synthetic categories for verdicts not produced by the moderation model.
const (
	CategoryBlacklistedOrigin     = "blacklisted_origin"
	CategoryModerationUnavailable = "moderation_unavailable"
)

// scanCategories is the fixed list checked against the medium threshold.
var scanCategories = []string{
	"sexual",
	"sexual/minors",
	"hate",
	"hate/threatening",
	"harassment",
	"harassment/threatening",
	"self-harm",
	"self-harm/intent",
	"self-harm/instructions",
	"violence",
	"violence/graphic",
	"illicit",
	"illicit/violent",
}

// Moderator scores content against the moderation model.
type Moderator interface {
	Moderate(ctx context.Context, input string) (*adapters.ModerationResult, error)
}

// Request carries the content and the requester context for one screening.
type Request struct {
	Content    string
	ModelID    string
	Capability adapters.Capability
	UserID     string
	Plan       string
	RPVerified bool
	Origin     string
	// Image switches to the stricter image-prompt thresholds and makes
	// moderation outages fail closed.
	Image bool
}

// Verdict is the screening outcome.
type Verdict struct {
	Flagged           bool     `json:"flagged"`
	RiskLevel         string   `json:"riskLevel"`
	Categories        []string `json:"categories,omitempty"`
	MaxScore          float64  `json:"maxScore,omitempty"`
	ShouldDisableUser bool     `json:"shouldDisableUser,omitempty"`
}

func safeVerdict() Verdict {
	return Verdict{RiskLevel: RiskSafe}
}

// Screener runs the screening pipeline.
type Screener struct {
	cache     cache.Cache
	moderator Moderator
	users     *store.UserRepo
	alerter   Alerter
	origins   *Blocklist
	log       *slog.Logger
}

// Option configures a Screener.
type Option func(*Screener)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Screener) { s.log = log }
}

// WithAlerter sends critical verdicts to an operator channel.
func WithAlerter(a Alerter) Option {
	return func(s *Screener) { s.alerter = a }
}

// WithOriginBlocklist replaces the built-in blocked-frontend list.
func WithOriginBlocklist(bl *Blocklist) Option {
	return func(s *Screener) { s.origins = bl }
}

// New builds a Screener. users may be nil when the caller handles account
// disabling itself.
func New(verdictCache cache.Cache, moderator Moderator, users *store.UserRepo, opts ...Option) *Screener {
	s := &Screener{
		cache:     verdictCache,
		moderator: moderator,
		users:     users,
		origins:   defaultOriginBlocklist(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Screen returns the verdict for one request. A critical verdict disables the
// requesting account before returning.
func (s *Screener) Screen(ctx context.Context, req *Request) Verdict {
	if catalog.IsModerationExempt(req.ModelID) {
		return safeVerdict()
	}

	if v, ok := s.originVerdict(req); ok {
		return v
	}

	scores, err := s.scores(ctx, req.Content)
	if err != nil {
		if req.Image {
			// Image prompts fail closed when moderation is unreachable.
			s.log.ErrorContext(ctx, "image moderation unavailable", "error", err)
			return Verdict{
				Flagged:    true,
				RiskLevel:  RiskHigh,
				Categories: []string{CategoryModerationUnavailable},
			}
		}
		s.log.ErrorContext(ctx, "moderation unavailable, passing content", "error", err)
		return safeVerdict()
	}

	verdict := s.evaluate(req, scores)
	if verdict.ShouldDisableUser {
		s.disableUser(ctx, req.UserID, verdict)
		if s.alerter != nil {
			// Off the request path; alert delivery must not add latency.
			go s.alerter.Alert(context.WithoutCancel(ctx), req.UserID, verdict)
		}
	}
	return verdict
}

// originVerdict blocks free unverified traffic from blacklisted frontends.
func (s *Screener) originVerdict(req *Request) (Verdict, bool) {
	if req.Plan != "free" || req.RPVerified || req.Origin == "" {
		return Verdict{}, false
	}
	if s.origins.Blocked(req.Origin) {
		return Verdict{
			Flagged:    true,
			RiskLevel:  RiskMedium,
			Categories: []string{CategoryBlacklistedOrigin},
		}, true
	}
	return Verdict{}, false
}

// scores returns the moderation category scores for content, consulting the
// hash cache first. Scores rather than verdicts are cached so one entry
// serves users with different thresholds.
func (s *Screener) scores(ctx context.Context, content string) (map[string]float64, error) {
	key := cacheKey(content)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var scores map[string]float64
			if err := json.Unmarshal(raw, &scores); err == nil {
				return scores, nil
			}
		}
	}

	res, err := s.moderator.Moderate(ctx, content)
	if err != nil {
		return nil, err
	}
	scores := res.Scores
	if scores == nil {
		scores = map[string]float64{}
	}

	if s.cache != nil {
		if raw, err := json.Marshal(scores); err == nil {
			if err := s.cache.Set(ctx, key, raw, cacheTTL); err != nil {
				s.log.WarnContext(ctx, "cache moderation scores failed", "error", err)
			}
		}
	}
	return scores, nil
}

func (s *Screener) evaluate(req *Request, scores map[string]float64) Verdict {
	minorScore, ok := scores[minorsCategory]
	if !ok {
		minorScore = scores[minorsCategoryFallback]
	}
	if minorScore >= criticalThreshold {
		return Verdict{
			Flagged:           true,
			RiskLevel:         RiskCritical,
			Categories:        []string{minorsCategory},
			MaxScore:          minorScore,
			ShouldDisableUser: true,
		}
	}

	// RP-verified accounts only answer to the critical rule above.
	if req.RPVerified {
		return safeVerdict()
	}

	chatLike := req.Capability == adapters.CapabilityChat ||
		req.Capability == adapters.CapabilityResponses
	if !req.Image && req.Plan != "free" && chatLike {
		return safeVerdict()
	}

	threshold := mediumThreshold
	if req.Image {
		threshold = imageThreshold
	}

	var flagged []string
	maxScore := 0.0
	for _, cat := range scanCategories {
		score := scores[cat]
		if score > maxScore {
			maxScore = score
		}
		if score >= threshold {
			flagged = append(flagged, cat)
		}
	}
	if len(flagged) == 0 {
		return safeVerdict()
	}
	return Verdict{
		Flagged:    true,
		RiskLevel:  RiskMedium,
		Categories: flagged,
		MaxScore:   maxScore,
	}
}

func (s *Screener) disableUser(ctx context.Context, userID string, v Verdict) {
	if s.users == nil || userID == "" {
		return
	}
	if err := s.users.SetEnabled(ctx, userID, false); err != nil {
		s.log.ErrorContext(ctx, "disable user failed", "user", userID, "error", err)
		return
	}
	s.log.WarnContext(ctx, "user disabled for critical content",
		"user", userID, "categories", v.Categories, "max_score", v.MaxScore)
}

func cacheKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
