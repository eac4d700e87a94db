package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestFactory(t *testing.T, mode Mode) *Factory {
	t.Helper()
	f, err := NewFactory(mode, testOptions(), PoolOptions{MinInstances: 1, MaxInstances: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	return f
}

func TestFactory_DefaultModeFallback(t *testing.T) {
	f, err := NewFactory("", Options{}, PoolOptions{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	if f.DefaultMode() != ModeInProcess {
		t.Errorf("expected in-process default, got %q", f.DefaultMode())
	}
}

func TestFactory_RejectsUnknownMode(t *testing.T) {
	if _, err := NewFactory("container", Options{}, PoolOptions{}, zerolog.Nop()); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}

	f := newTestFactory(t, ModeInProcess)
	if _, err := f.NewSandbox("bogus"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode from NewSandbox, got %v", err)
	}
	if err := f.SetDefaultMode("bogus"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode from SetDefaultMode, got %v", err)
	}
}

func TestFactory_SetDefaultMode(t *testing.T) {
	f := newTestFactory(t, ModeInProcess)
	if err := f.SetDefaultMode(ModeProcess); err != nil {
		t.Fatal(err)
	}
	if f.DefaultMode() != ModeProcess {
		t.Errorf("expected process mode, got %q", f.DefaultMode())
	}
}

func TestFactory_IndependentInstances(t *testing.T) {
	f := newTestFactory(t, ModeInProcess)

	a, err := f.NewSandbox("")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Dispose()
	b, err := f.NewSandbox("")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Dispose()

	if a.ID() == b.ID() {
		t.Error("factory must not cache sandbox instances")
	}

	// State in one realm must not leak into the other.
	r := a.Execute(context.Background(), "x = 41; return x", nil)
	if !r.Success {
		t.Fatalf("Execute failed: %s", r.Error)
	}
	r = b.Execute(context.Background(), "return typeof x", nil)
	if !r.Success {
		t.Fatalf("Execute failed: %s", r.Error)
	}
	if r.Value != "undefined" {
		t.Errorf("expected isolated realms, got %v", r.Value)
	}
}

func TestFactory_OptionOverrides(t *testing.T) {
	f := newTestFactory(t, ModeInProcess)

	s, err := f.NewSandbox(ModeInProcess, Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Dispose()

	r := s.Execute(context.Background(), "for (;;) {}", nil)
	if r.Success {
		t.Fatal("expected timeout")
	}
	// The override, not the factory default, decides the budget.
	if r.Metrics.WallTimeMS >= int64(testOptions().Timeout.Milliseconds()) {
		t.Errorf("override timeout not applied, wall time %dms", r.Metrics.WallTimeMS)
	}
}

func TestFactory_PoolOptionValidation(t *testing.T) {
	f := newTestFactory(t, ModeInProcess)
	if _, err := f.NewPool("", PoolOptions{MinInstances: 5, MaxInstances: 2}); err == nil {
		t.Fatal("expected invalid pool options to be rejected")
	}
}

func TestFactory_PoolUsesResolvedMode(t *testing.T) {
	f := newTestFactory(t, ModeInProcess)
	p, err := f.NewPool("")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer p.Dispose()

	result, err := p.Execute(context.Background(), "return 1+1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || toFloat64(result.Value) != 2 {
		t.Errorf("expected 2, got %+v", result)
	}
}
