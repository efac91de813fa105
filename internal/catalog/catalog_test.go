package catalog

import "testing"

func TestDefaultCatalogValid(t *testing.T) {
	c := Default()
	if len(c.All()) == 0 {
		t.Fatal("default catalog is empty")
	}
	for _, m := range c.All() {
		if len(m.Endpoints) == 0 {
			t.Errorf("model %s has no endpoints", m.ID)
		}
		if m.CostType == CostFixed && m.BaseCost <= 0 {
			t.Errorf("fixed-cost model %s has base cost %d", m.ID, m.BaseCost)
		}
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]Model{
		{ID: "m", Endpoints: endpoints(EndpointChatCompletions), CostType: CostPerToken},
		{ID: "m", Endpoints: endpoints(EndpointChatCompletions), CostType: CostPerToken},
	})
	if err == nil {
		t.Fatal("expected error for duplicate model id")
	}
}

func TestNewRejectsFixedCostWithoutBaseCost(t *testing.T) {
	_, err := New([]Model{
		{ID: "m", Endpoints: endpoints(EndpointImages), CostType: CostFixed},
	})
	if err == nil {
		t.Fatal("expected error for fixed-cost model with zero base cost")
	}
}

func TestHasAccess(t *testing.T) {
	c := Default()

	if !c.HasAccess("gpt-4o-mini", PlanFree) {
		t.Error("free plan should access gpt-4o-mini")
	}
	if c.HasAccess("claude-opus-4-5-20251101", PlanFree) {
		t.Error("free plan should not access claude-opus-4-5-20251101")
	}
	if !c.HasAccess("claude-opus-4-5-20251101", PlanBasic) {
		t.Error("basic plan should access claude-opus-4-5-20251101")
	}
	if c.HasAccess("no-such-model", PlanEnterprise) {
		t.Error("unknown model should have no access")
	}
}

func TestSupportsEndpoint(t *testing.T) {
	c := Default()

	if !c.SupportsEndpoint("gpt-4o-mini", EndpointChatCompletions) {
		t.Error("gpt-4o-mini should serve chat completions")
	}
	if c.SupportsEndpoint("gpt-4o-mini", EndpointImages) {
		t.Error("gpt-4o-mini should not serve image generation")
	}
	if !c.SupportsEndpoint("omni-moderation-latest", EndpointModerations) {
		t.Error("omni-moderation-latest should serve moderations")
	}
}

func TestCalculateCreditsPerToken(t *testing.T) {
	m := &Model{ID: "m", CostType: CostPerToken, Multiplier: 0.25}

	// round((10+20) * 0.25) = 8 — the happy-chat scenario numbers.
	if got := CalculateCredits(m, 30, 0); got != 8 {
		t.Errorf("CalculateCredits(30, 0.25) = %d, want 8", got)
	}
	if got := CalculateCredits(m, 0, 0); got != 0 {
		t.Errorf("CalculateCredits(0) = %d, want 0", got)
	}
	// round(2.5) rounds half away from zero → 3.
	if got := CalculateCredits(m, 10, 0); got != 3 {
		t.Errorf("CalculateCredits(10, 0.25) = %d, want 3", got)
	}
}

func TestCalculateCreditsFixedIgnoresTokens(t *testing.T) {
	m := &Model{ID: "m", CostType: CostFixed, BaseCost: 40}

	for _, tokens := range []int64{0, 1, 100000} {
		if got := CalculateCredits(m, tokens, 0); got != 40 {
			t.Errorf("CalculateCredits(tokens=%d) = %d, want 40", tokens, got)
		}
	}
}

func TestCalculateCreditsDiscount(t *testing.T) {
	m := &Model{ID: "m", CostType: CostPerToken, Multiplier: 1.0}

	base := CalculateCredits(m, 101, 0)
	discounted := CalculateCredits(m, 101, 2.0)
	if want := roundHalfAway(float64(base) / 2.0); discounted != want {
		t.Errorf("discounted = %d, want %d", discounted, want)
	}

	// Discount multipliers ≤ 1 are ignored.
	if got := CalculateCredits(m, 101, 1.0); got != base {
		t.Errorf("d=1.0 changed credits: %d != %d", got, base)
	}
	if got := CalculateCredits(m, 101, 0.5); got != base {
		t.Errorf("d=0.5 changed credits: %d != %d", got, base)
	}
}

func TestCalculateCreditsDiscountRoundsBaseFirst(t *testing.T) {
	// Fractional base price: 10 * 0.25 = 2.5 rounds to 3 before the
	// discount divides it, so round(3/2) = 2, not round(2.5/2) = 1.
	m := &Model{ID: "m", CostType: CostPerToken, Multiplier: 0.25}

	if got := CalculateCredits(m, 10, 2.0); got != 2 {
		t.Errorf("CalculateCredits(10, x0.25, d=2.0) = %d, want 2", got)
	}

	// Fixed-cost models divide the integer base cost directly.
	f := &Model{ID: "f", CostType: CostFixed, BaseCost: 5}
	if got := CalculateCredits(f, 0, 2.0); got != 3 {
		t.Errorf("CalculateCredits(fixed 5, d=2.0) = %d, want round(5/2) = 3", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		text string
		want int64
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"0123456789012345678901234567890123456789", 10}, // 40 chars → 10 tokens
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestIsModerationExempt(t *testing.T) {
	if !IsModerationExempt("lumina-1") {
		t.Error("lumina-1 should be exempt")
	}
	if !IsModerationExempt("LUMINA-chat") {
		t.Error("exemption should be case-insensitive")
	}
	if IsModerationExempt("gpt-4o") {
		t.Error("gpt-4o should not be exempt")
	}
}

func TestAccessibleTo(t *testing.T) {
	c := Default()
	free := c.AccessibleTo(PlanFree)
	basic := c.AccessibleTo(PlanBasic)
	if len(free) == 0 || len(basic) <= len(free) {
		t.Errorf("expected basic (%d) to exceed free (%d)", len(basic), len(free))
	}
}
