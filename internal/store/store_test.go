package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserSaveAndFind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{
		ID: "u1", Email: "a@b.c", Plan: "free", Credits: 100, Enabled: true,
		IPWhitelist:           []string{"10.0.0.1"},
		MaxConcurrentRequests: 4,
		APIKeyHash:            "hash-1",
	}
	if err := s.Users.Save(ctx, u); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Users.FindByID(ctx, "u1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Plan != "free" || got.Credits != 100 || !got.Enabled {
		t.Errorf("unexpected user: %+v", got)
	}
	if len(got.IPWhitelist) != 1 || got.IPWhitelist[0] != "10.0.0.1" {
		t.Errorf("ip whitelist = %v", got.IPWhitelist)
	}

	byKey, err := s.Users.FindByAPIKeyHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("FindByAPIKeyHash: %v", err)
	}
	if byKey.ID != "u1" {
		t.Errorf("FindByAPIKeyHash returned %s", byKey.ID)
	}

	if _, err := s.Users.FindByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeductCreditsNoOverdraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Users.Save(ctx, &User{ID: "u1", Credits: 10, Enabled: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Users.DeductCredits(ctx, "u1", 7); err != nil {
		t.Fatalf("DeductCredits(7): %v", err)
	}
	err := s.Users.DeductCredits(ctx, "u1", 7)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	got, _ := s.Users.FindByID(ctx, "u1")
	if got.Credits != 3 {
		t.Errorf("credits = %d, want 3", got.Credits)
	}
}

// Credit safety: concurrent debits never drive the balance negative and the
// total debited equals the sum of successful debits.
func TestDeductCreditsConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const start = 50
	if err := s.Users.Save(ctx, &User{ID: "u1", Credits: start, Enabled: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Users.DeductCredits(ctx, "u1", 7); err == nil {
				mu.Lock()
				succeeded += 7
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := s.Users.FindByID(ctx, "u1")
	if got.Credits < 0 {
		t.Fatalf("balance went negative: %d", got.Credits)
	}
	if got.Credits != start-succeeded {
		t.Errorf("balance = %d, want %d", got.Credits, start-succeeded)
	}
}

func TestResetCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Users.Save(ctx, &User{ID: "a", Credits: 1})
	_ = s.Users.Save(ctx, &User{ID: "b", Credits: 2})

	if err := s.Users.ResetCredits(ctx, []string{"a", "b"}, 500); err != nil {
		t.Fatalf("ResetCredits: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		u, _ := s.Users.FindByID(ctx, id)
		if u.Credits != 500 {
			t.Errorf("user %s credits = %d, want 500", id, u.Credits)
		}
	}
}

func TestProviderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Provider{
		ID: "p1", Name: "openai", BaseURL: "https://api.openai.com/v1",
		Timeout:           300 * time.Second,
		SupportedModels:   []string{"gpt-4o-mini", "gpt-4o"},
		Features:          []string{"chat", "embeddings"},
		NeedsSubProviders: true,
		HealthStatus:      HealthHealthy,
		IsActive:          true,
	}
	if err := s.Providers.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Providers.FindByName(ctx, "openai")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if got.ID != "p1" || len(got.SupportedModels) != 2 || got.Timeout != 300*time.Second {
		t.Errorf("unexpected provider: %+v", got)
	}

	if err := s.Providers.SetActive(ctx, "p1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, _ = s.Providers.FindByID(ctx, "p1")
	if got.IsActive {
		t.Error("provider should be inactive")
	}
}

func TestSubProviderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Providers.Save(ctx, &Provider{ID: "p1", Name: "openai", IsActive: true})

	sp := &SubProvider{
		ID: "sp1", ProviderID: "p1", Name: "tenant-key-1",
		Enabled: true, Weight: 2.5, Timeout: 120 * time.Second,
		ModelMapping:          map[string]string{"gpt-4o-mini": "gpt-4o-mini-2024-07-18"},
		Metadata:              SubProviderMetadata{IsVerified: true},
		MaxRequestsPerMinute:  60,
		MaxTokensPerMinute:    100000,
		MaxConcurrentRequests: 8,
	}
	sp.EncryptedKey.Ciphertext = "ct"
	sp.EncryptedKey.IV = "iv"
	sp.EncryptedKey.AuthTag = "tag"
	sp.EncryptedKey.MasterKeyRef = "mk-1"

	if err := s.SubProviders.Save(ctx, sp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.SubProviders.FindByID(ctx, "sp1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !got.Metadata.IsVerified || got.Weight != 2.5 {
		t.Errorf("unexpected sub-provider: %+v", got)
	}
	if got.ModelMapping["gpt-4o-mini"] != "gpt-4o-mini-2024-07-18" {
		t.Errorf("model mapping = %v", got.ModelMapping)
	}
	if !got.HasActiveKey() {
		t.Error("expected an active key")
	}

	byProv, err := s.SubProviders.FindByProvider(ctx, "p1")
	if err != nil || len(byProv) != 1 {
		t.Fatalf("FindByProvider: %v (%d rows)", err, len(byProv))
	}

	if err := s.SubProviders.SaveState(ctx, "sp1", []byte(`{"success_count":3}`)); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	got, _ = s.SubProviders.FindByID(ctx, "sp1")
	if string(got.State) != `{"success_count":3}` {
		t.Errorf("state = %s", got.State)
	}

	if err := s.SubProviders.Delete(ctx, "sp1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.SubProviders.FindByID(ctx, "sp1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDiscountLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	live := &UserDiscount{
		ID: "d1", UserID: "u1", ModelID: "gpt-4o",
		Multiplier: 2.0, ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
	}
	dead := &UserDiscount{
		ID: "d2", UserID: "u1", ModelID: "gpt-4o-mini",
		Multiplier: 1.5, ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-25 * time.Hour),
	}
	_ = s.Discounts.Save(ctx, live)
	_ = s.Discounts.Save(ctx, dead)

	active, err := s.Discounts.FindActiveByUserID(ctx, "u1", now)
	if err != nil || len(active) != 1 || active[0].ID != "d1" {
		t.Fatalf("FindActiveByUserID: %v, %v", err, active)
	}

	d, err := s.Discounts.FindActiveForModel(ctx, "u1", "gpt-4o", now)
	if err != nil || d.Multiplier != 2.0 {
		t.Fatalf("FindActiveForModel: %v", err)
	}
	if _, err := s.Discounts.FindActiveForModel(ctx, "u1", "gpt-4o-mini", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired discount should not resolve, got %v", err)
	}

	n, err := s.Discounts.DeleteExpired(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired: %v (n=%d)", err, n)
	}

	if err := s.Discounts.DeleteByUserID(ctx, "u1"); err != nil {
		t.Fatalf("DeleteByUserID: %v", err)
	}
	left, _ := s.Discounts.FindActiveByUserID(ctx, "u1", now)
	if len(left) != 0 {
		t.Errorf("expected no discounts, got %d", len(left))
	}
}

func TestRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &APIRequest{ID: "r1", UserID: "u1", Endpoint: "/v1/chat/completions", Model: "gpt-4o-mini"}
	if err := s.Requests.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Requests.StartProcessing(ctx, "r1"); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	n, err := s.Requests.CountActiveByUser(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("CountActiveByUser = %d, %v", n, err)
	}

	done, err := s.Requests.Complete(ctx, &APIRequest{
		ID: "r1", TotalTokens: 30, Credits: 8, ProviderID: "p1",
		SubProviderID: "sp1", ResponseSize: 512, HTTPStatus: 200,
	})
	if err != nil || !done {
		t.Fatalf("Complete: done=%v err=%v", done, err)
	}

	// Completion is idempotent: the retry is a no-op.
	done, err = s.Requests.Complete(ctx, &APIRequest{ID: "r1", Credits: 999})
	if err != nil {
		t.Fatalf("Complete retry: %v", err)
	}
	if done {
		t.Error("retried Complete should be a no-op")
	}

	got, _ := s.Requests.FindByID(ctx, "r1")
	if got.Status != RequestCompleted || got.Credits != 8 || got.TotalTokens != 30 {
		t.Errorf("unexpected row: %+v", got)
	}
}

func TestRequestFail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Requests.Create(ctx, &APIRequest{ID: "r1", UserID: "u1", Endpoint: "/v1/embeddings", Model: "text-embedding-3-small"})
	if err := s.Requests.Fail(ctx, "r1", "upstream exhausted", 502, "p9"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := s.Requests.FindByID(ctx, "r1")
	if got.Status != RequestFailed || got.HTTPStatus != 502 || got.ProviderID != "p9" {
		t.Errorf("unexpected row: %+v", got)
	}
}

func TestRecordDebitIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Requests.RecordDebit(ctx, "r1", "u1", 8, "chat", "/v1/chat/completions", 30)
	if err != nil || !first {
		t.Fatalf("first RecordDebit: %v (inserted=%v)", err, first)
	}
	second, err := s.Requests.RecordDebit(ctx, "r1", "u1", 8, "chat", "/v1/chat/completions", 30)
	if err != nil {
		t.Fatalf("second RecordDebit: %v", err)
	}
	if second {
		t.Error("duplicate debit should not insert")
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Settings.Get(ctx, "last_discount_date")
	if err != nil || v != "" {
		t.Fatalf("Get unset: %q, %v", v, err)
	}
	if err := s.Settings.Set(ctx, "last_discount_date", "2026-08-24"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Settings.Set(ctx, "last_discount_date", "2026-08-25"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	v, _ = s.Settings.Get(ctx, "last_discount_date")
	if v != "2026-08-25" {
		t.Errorf("value = %q", v)
	}
}
