package registry

import (
	"errors"
	"testing"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/adapters"
)

// fakeAdapter is a minimal Adapter for registry tests.
type fakeAdapter struct {
	name    string
	apiKey  string
	mapping map[string]string
}

func (f *fakeAdapter) Name() string                                    { return f.name }
func (f *fakeAdapter) SupportsModel(string) bool                       { return true }
func (f *fakeAdapter) SupportsCapability(adapters.Capability) bool     { return true }
func (f *fakeAdapter) MappedModel(m string) string                     { return adapters.MapModel(f.mapping, m) }
func (f *fakeAdapter) WithKey(key string, mapping map[string]string) adapters.Adapter {
	return &fakeAdapter{name: f.name, apiKey: key, mapping: mapping}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	r.Register(&fakeAdapter{name: "openai"})

	a, err := r.Get("openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Name() != "openai" {
		t.Fatalf("name = %q", a.Name())
	}
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("get of unknown name succeeded")
	}
}

func TestFactoryMemoization(t *testing.T) {
	r := New()
	calls := 0
	r.RegisterFactory("google", func() (adapters.Adapter, error) {
		calls++
		return &fakeAdapter{name: "google"}, nil
	})

	if !r.Has("google") {
		t.Fatal("pending factory not visible")
	}
	for i := 0; i < 3; i++ {
		if _, err := r.Get("google"); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("factory ran %d times, want 1", calls)
	}
}

func TestFactoryErrorRetried(t *testing.T) {
	r := New()
	calls := 0
	r.RegisterFactory("flaky", func() (adapters.Adapter, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("boom")
		}
		return &fakeAdapter{name: "flaky"}, nil
	})

	if _, err := r.Get("flaky"); err == nil {
		t.Fatal("first get succeeded")
	}
	if _, err := r.Get("flaky"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if calls != 2 {
		t.Fatalf("factory ran %d times, want 2", calls)
	}
}

func TestDeriveWithKey(t *testing.T) {
	r := New()
	shared := &fakeAdapter{name: "openai"}
	r.Register(shared)

	mapping := map[string]string{"gpt-4o-mini": "gpt-4o-mini-2024"}
	derived, err := r.DeriveWithKey("openai", "sk-tenant", mapping)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	fd, ok := derived.(*fakeAdapter)
	if !ok || fd == shared {
		t.Fatal("derive did not return a distinct adapter")
	}
	if fd.apiKey != "sk-tenant" {
		t.Fatalf("derived key = %q", fd.apiKey)
	}
	if derived.MappedModel("gpt-4o-mini") != "gpt-4o-mini-2024" {
		t.Fatal("derived mapping not applied")
	}

	// Empty key and mapping returns the shared adapter unchanged.
	same, err := r.DeriveWithKey("openai", "", nil)
	if err != nil {
		t.Fatalf("derive shared: %v", err)
	}
	if same != adapters.Adapter(shared) {
		t.Fatal("shared adapter not returned for empty key")
	}
}

func TestNames(t *testing.T) {
	r := New()
	r.Register(&fakeAdapter{name: "openai"})
	r.RegisterFactory("google", func() (adapters.Adapter, error) {
		return &fakeAdapter{name: "google"}, nil
	})

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
}
