package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/opencollect/opencollect/internal/ingest"
	"github.com/opencollect/opencollect/internal/source"
)

func testDefinition(id string) *source.Definition {
	return &source.Definition{
		ID:   id,
		Name: id,
		Schedules: []source.Schedule{
			{Frequency: source.Hourly, Handler: func(ctx context.Context, ic *ingest.Context) error { return nil }},
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := New()

	if err := reg.Register(testDefinition("demo")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	def, ok := reg.Get("demo")
	if !ok {
		t.Fatal("Get(demo) returned ok=false")
	}
	if def.ID != "demo" {
		t.Errorf("Get(demo).ID = %q, want %q", def.ID, "demo")
	}

	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) returned ok=true")
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := New()

	if err := reg.Register(testDefinition("demo")); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	err := reg.Register(testDefinition("demo"))
	if err == nil {
		t.Fatal("expected error registering duplicate id")
	}
	if !errors.Is(err, ErrDuplicateSource) {
		t.Errorf("expected ErrDuplicateSource, got %v", err)
	}
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := New()

	if err := reg.Register(nil); err == nil {
		t.Error("expected error registering nil definition")
	}

	// A schedule without a handler would silently never run.
	err := reg.Register(&source.Definition{
		ID:        "broken",
		Schedules: []source.Schedule{{Frequency: source.Hourly}},
	})
	if err == nil {
		t.Error("expected error registering definition with nil handler")
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after failed registrations, want 0", reg.Len())
	}
}

func TestRegistry_All_SortedByID(t *testing.T) {
	reg := New()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(testDefinition(id)); err != nil {
			t.Fatalf("Register(%s) failed: %v", id, err)
		}
	}

	defs := reg.All()
	if len(defs) != 3 {
		t.Fatalf("All() returned %d definitions, want 3", len(defs))
	}

	want := []string{"alpha", "mid", "zeta"}
	for i, def := range defs {
		if def.ID != want[i] {
			t.Errorf("All()[%d].ID = %q, want %q", i, def.ID, want[i])
		}
	}
}
