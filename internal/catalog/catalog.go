// Package catalog is the static model registry.
//
// The catalog is built once at startup and read-only afterwards, so lookups
// need no synchronization. It answers three questions for the orchestrators:
// does the model exist, may this plan use it, and what does a request cost.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// CostType selects the credit formula for a model.
type CostType string

const (
	CostPerToken CostType = "per_token"
	CostFixed    CostType = "fixed"
)

// Endpoint path constants for capability matching.
const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointResponses       = "/v1/responses"
	EndpointEmbeddings      = "/v1/embeddings"
	EndpointModerations     = "/v1/moderations"
	EndpointImages          = "/v1/images/generations"
	EndpointImageEdits      = "/v1/images/edits"
	EndpointSpeech          = "/v1/audio/speech"
	EndpointTranscriptions  = "/v1/audio/transcriptions"
	EndpointVideos          = "/v1/videos"
)

// Plan names, ordered from most restricted to least.
const (
	PlanFree       = "free"
	PlanBasic      = "basic"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Model describes one advertised model. Immutable at runtime.
type Model struct {
	ID                string
	OwnedBy           string
	Endpoints         map[string]bool
	PlanRequirements  map[string]bool // plans with access
	CostType          CostType
	BaseCost          int64   // credits, used for CostFixed
	Multiplier        float64 // credits per token, used for CostPerToken
	SupportsStreaming bool
	SupportsToolCalls bool
}

// SupportsEndpoint reports whether the model serves the given path.
func (m *Model) SupportsEndpoint(path string) bool {
	return m.Endpoints[path]
}

// HasPlanAccess reports whether the given plan may use this model.
func (m *Model) HasPlanAccess(plan string) bool {
	return m.PlanRequirements[plan]
}

// Catalog is the immutable model registry.
type Catalog struct {
	models map[string]*Model
	order  []string // sorted ids for deterministic All()
}

// New builds a catalog from the given models.
// Each model must have a unique id and at least one endpoint; fixed-cost
// models must have a positive base cost.
func New(models []Model) (*Catalog, error) {
	c := &Catalog{models: make(map[string]*Model, len(models))}
	for i := range models {
		m := models[i]
		if m.ID == "" {
			return nil, fmt.Errorf("catalog: model with empty id")
		}
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", m.ID)
		}
		if len(m.Endpoints) == 0 {
			return nil, fmt.Errorf("catalog: model %q has no endpoints", m.ID)
		}
		if m.CostType == CostFixed && m.BaseCost <= 0 {
			return nil, fmt.Errorf("catalog: fixed-cost model %q must have base cost > 0", m.ID)
		}
		c.models[m.ID] = &m
		c.order = append(c.order, m.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// ByID returns the model with the given id, or nil.
func (c *Catalog) ByID(id string) *Model {
	return c.models[id]
}

// All returns every model in id order.
func (c *Catalog) All() []*Model {
	out := make([]*Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// HasAccess reports whether plan may use the model. Unknown models have no
// access for any plan.
func (c *Catalog) HasAccess(modelID, plan string) bool {
	m := c.models[modelID]
	return m != nil && m.HasPlanAccess(plan)
}

// SupportsEndpoint reports whether the model serves path.
func (c *Catalog) SupportsEndpoint(modelID, path string) bool {
	m := c.models[modelID]
	return m != nil && m.SupportsEndpoint(path)
}

// AccessibleTo returns the ids of models the plan may use, in id order.
func (c *Catalog) AccessibleTo(plan string) []string {
	var out []string
	for _, id := range c.order {
		if c.models[id].HasPlanAccess(plan) {
			out = append(out, id)
		}
	}
	return out
}

// EstimateTokens approximates the token count of text at four characters per
// token, rounding up. Zero-length text estimates to zero.
func EstimateTokens(text string) int64 {
	n := int64(len(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// IsModerationExempt reports whether the model id bypasses content
// moderation entirely (the in-house lumina family).
func IsModerationExempt(modelID string) bool {
	return strings.Contains(strings.ToLower(modelID), "lumina")
}

func plans(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func endpoints(paths ...string) map[string]bool {
	m := make(map[string]bool, len(paths))
	for _, p := range paths {
		m[p] = true
	}
	return m
}

var allPlans = []string{PlanFree, PlanBasic, PlanPro, PlanEnterprise}

var paidPlans = []string{PlanBasic, PlanPro, PlanEnterprise}

// Default returns the production model registry.
func Default() *Catalog {
	c, err := New(defaultModels())
	if err != nil {
		// The default set is validated by tests; a failure here is a
		// programming error, not a runtime condition.
		panic(err)
	}
	return c
}

func defaultModels() []Model {
	chatEndpoints := endpoints(EndpointChatCompletions, EndpointResponses)
	return []Model{
		{
			ID: "gpt-4o-mini", OwnedBy: "openai",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(allPlans...),
			CostType:         CostPerToken, Multiplier: 0.25,
			SupportsStreaming: true, SupportsToolCalls: true,
		},
		{
			ID: "gpt-4o", OwnedBy: "openai",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(paidPlans...),
			CostType:         CostPerToken, Multiplier: 1.0,
			SupportsStreaming: true, SupportsToolCalls: true,
		},
		{
			ID: "gpt-4.1", OwnedBy: "openai",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(paidPlans...),
			CostType:         CostPerToken, Multiplier: 1.0,
			SupportsStreaming: true, SupportsToolCalls: true,
		},
		{
			ID: "o4-mini", OwnedBy: "openai",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(paidPlans...),
			CostType:         CostPerToken, Multiplier: 0.6,
			SupportsStreaming: true, SupportsToolCalls: true,
		},
		{
			ID: "claude-opus-4-5-20251101", OwnedBy: "anthropic",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(paidPlans...),
			CostType:         CostPerToken, Multiplier: 2.0,
			SupportsStreaming: true, SupportsToolCalls: true,
		},
		{
			ID: "claude-sonnet-4-5-20250929", OwnedBy: "anthropic",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(allPlans...),
			CostType:         CostPerToken, Multiplier: 0.8,
			SupportsStreaming: true, SupportsToolCalls: true,
		},
		{
			ID: "gemini-2.5-pro", OwnedBy: "google",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(paidPlans...),
			CostType:         CostPerToken, Multiplier: 0.9,
			SupportsStreaming: true, SupportsToolCalls: true,
		},
		{
			ID: "gemini-2.5-flash", OwnedBy: "google",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(allPlans...),
			CostType:         CostPerToken, Multiplier: 0.2,
			SupportsStreaming: true, SupportsToolCalls: true,
		},
		{
			ID: "lumina-1", OwnedBy: "voidai",
			Endpoints:        chatEndpoints,
			PlanRequirements: plans(allPlans...),
			CostType:         CostPerToken, Multiplier: 0.1,
			SupportsStreaming: true,
		},
		{
			ID: "text-embedding-3-small", OwnedBy: "openai",
			Endpoints:        endpoints(EndpointEmbeddings),
			PlanRequirements: plans(allPlans...),
			CostType:         CostPerToken, Multiplier: 0.01,
		},
		{
			ID: "text-embedding-3-large", OwnedBy: "openai",
			Endpoints:        endpoints(EndpointEmbeddings),
			PlanRequirements: plans(paidPlans...),
			CostType:         CostPerToken, Multiplier: 0.02,
		},
		{
			ID: "omni-moderation-latest", OwnedBy: "openai",
			Endpoints:        endpoints(EndpointModerations),
			PlanRequirements: plans(allPlans...),
			CostType:         CostFixed, BaseCost: 1,
		},
		{
			ID: "gpt-image-1", OwnedBy: "openai",
			Endpoints:        endpoints(EndpointImages, EndpointImageEdits),
			PlanRequirements: plans(paidPlans...),
			CostType:         CostFixed, BaseCost: 40,
		},
		{
			ID: "dall-e-3", OwnedBy: "openai",
			Endpoints:        endpoints(EndpointImages),
			PlanRequirements: plans(allPlans...),
			CostType:         CostFixed, BaseCost: 25,
		},
		{
			ID: "tts-1", OwnedBy: "openai",
			Endpoints:        endpoints(EndpointSpeech),
			PlanRequirements: plans(allPlans...),
			CostType:         CostPerToken, Multiplier: 0.15,
		},
		{
			ID: "whisper-1", OwnedBy: "openai",
			Endpoints:        endpoints(EndpointTranscriptions),
			PlanRequirements: plans(allPlans...),
			CostType:         CostFixed, BaseCost: 5,
		},
		{
			ID: "sora-2", OwnedBy: "openai",
			Endpoints:        endpoints(EndpointVideos),
			PlanRequirements: plans(PlanPro, PlanEnterprise),
			CostType:         CostFixed, BaseCost: 400,
		},
	}
}
