package codemode

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/neverinfamous/postgresql-mcp/internal/bindings"
	"github.com/neverinfamous/postgresql-mcp/internal/sandbox"
	"github.com/neverinfamous/postgresql-mcp/internal/security"
)

func testRegistry() bindings.Registry {
	return bindings.Registry{
		"util": {
			"echo": func(_ context.Context, params map[string]interface{}) (interface{}, error) {
				return params, nil
			},
		},
	}
}

func newTestService(t *testing.T, secCfg security.Config) *Service {
	t.Helper()

	sec, err := security.NewManager(secCfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(sec.Close)

	factory, err := sandbox.NewFactory(sandbox.ModeInProcess,
		sandbox.Options{Timeout: 2 * time.Second},
		sandbox.PoolOptions{MinInstances: 1, MaxInstances: 2},
		zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}

	svc, err := NewService(factory, sec, testRegistry(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func TestService_EndToEnd(t *testing.T) {
	svc := newTestService(t, security.Config{})

	resp := svc.Execute(context.Background(), Request{Code: "return 1+1"})
	if !resp.Success {
		t.Fatalf("Execute failed: %s", resp.Error)
	}
	if n, ok := resp.Result.(int64); !ok || n != 2 {
		t.Errorf("expected 2, got %v (%T)", resp.Result, resp.Result)
	}
}

func TestService_BindingsInjected(t *testing.T) {
	svc := newTestService(t, security.Config{})

	resp := svc.Execute(context.Background(), Request{
		Code: `const out = await util.echo({msg: "hello"}); return out.msg`,
	})
	if !resp.Success {
		t.Fatalf("Execute failed: %s", resp.Error)
	}
	if resp.Result != "hello" {
		t.Errorf("expected bound call round trip, got %v", resp.Result)
	}
}

func TestService_ValidationRejectsBeforePool(t *testing.T) {
	svc := newTestService(t, security.Config{})

	resp := svc.Execute(context.Background(), Request{Code: `require('fs')`})
	if resp.Success {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(resp.Error, "module loading") {
		t.Errorf("expected the blocked capability named, got %q", resp.Error)
	}
	if resp.Metrics != (sandbox.Metrics{}) {
		t.Errorf("expected zeroed metrics on validation rejection, got %+v", resp.Metrics)
	}
	// No pool was ever created for a rejected request.
	if stats := svc.Stats(); stats.Max != 0 {
		t.Errorf("expected no pool activity, got %+v", stats)
	}
}

func TestService_RateLimit(t *testing.T) {
	svc := newTestService(t, security.Config{MaxExecutionsPerMinute: 2})

	for i := 0; i < 2; i++ {
		resp := svc.Execute(context.Background(), Request{Code: "return 1", CallerID: "carol"})
		if !resp.Success {
			t.Fatalf("execution %d should pass: %s", i+1, resp.Error)
		}
	}

	resp := svc.Execute(context.Background(), Request{Code: "return 1", CallerID: "carol"})
	if resp.Success {
		t.Fatal("expected rate limit rejection")
	}
	if !strings.Contains(resp.Error, "rate limit") {
		t.Errorf("expected a rate limit error, got %q", resp.Error)
	}

	// A different caller is unaffected.
	resp = svc.Execute(context.Background(), Request{Code: "return 1", CallerID: "dave"})
	if !resp.Success {
		t.Errorf("distinct caller should be allowed: %s", resp.Error)
	}
}

func TestService_TimeoutHint(t *testing.T) {
	sec, err := security.NewManager(security.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sec.Close)

	factory, err := sandbox.NewFactory(sandbox.ModeInProcess,
		sandbox.Options{Timeout: 100 * time.Millisecond},
		sandbox.PoolOptions{MaxInstances: 1},
		zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	svc, err := NewService(factory, sec, testRegistry(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)

	resp := svc.Execute(context.Background(), Request{Code: "for (;;) {}"})
	if resp.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(resp.Error, "timed out") {
		t.Errorf("expected timeout error, got %q", resp.Error)
	}
	if resp.Hint == "" {
		t.Error("expected a hint on timeout")
	}
	if resp.Metrics.WallTimeMS < 100 {
		t.Errorf("expected wall time >= limit, got %d", resp.Metrics.WallTimeMS)
	}
}

func TestService_ResultSanitized(t *testing.T) {
	svc := newTestService(t, security.Config{MaxResultSize: 64})

	resp := svc.Execute(context.Background(), Request{
		Code: `let s = "x"; for (let i = 0; i < 10; i++) { s = s + s } return s`,
	})
	if !resp.Success {
		t.Fatalf("Execute failed: %s", resp.Error)
	}
	stub, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a truncation stand-in, got %T", resp.Result)
	}
	if stub["truncated"] != true {
		t.Errorf("expected truncation stand-in, got %v", stub)
	}
}

func TestService_EmptyRegistryIsFatal(t *testing.T) {
	sec, err := security.NewManager(security.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sec.Close)

	factory, err := sandbox.NewFactory("", sandbox.Options{}, sandbox.PoolOptions{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewService(factory, sec, bindings.Registry{}, zerolog.Nop()); err != ErrNoBindings {
		t.Errorf("expected ErrNoBindings, got %v", err)
	}
}

func TestService_CloseAndRecreatePool(t *testing.T) {
	svc := newTestService(t, security.Config{})

	resp := svc.Execute(context.Background(), Request{Code: "return 1"})
	if !resp.Success {
		t.Fatalf("Execute failed: %s", resp.Error)
	}

	svc.Close()
	svc.Close() // idempotent, including when nothing is initialized

	if stats := svc.Stats(); stats.Available != 0 || stats.InUse != 0 {
		t.Errorf("expected empty stats after close, got %+v", stats)
	}

	// A fresh pool is created on the next execution.
	resp = svc.Execute(context.Background(), Request{Code: "return 2"})
	if !resp.Success {
		t.Fatalf("Execute after Close failed: %s", resp.Error)
	}
}

func TestService_TimeoutHintTightensBudget(t *testing.T) {
	svc := newTestService(t, security.Config{})

	start := time.Now()
	resp := svc.Execute(context.Background(), Request{Code: "for (;;) {}", TimeoutMS: 100})
	elapsed := time.Since(start)

	if resp.Success {
		t.Fatal("expected failure")
	}
	// The 2s sandbox ceiling stands, but the 100ms hint cut it short.
	if elapsed > time.Second {
		t.Errorf("timeout hint not applied, took %v", elapsed)
	}
}

func TestService_ReadOnlyIsRecordedNotEnforced(t *testing.T) {
	svc := newTestService(t, security.Config{})

	resp := svc.Execute(context.Background(), Request{
		Code:     `const out = await util.echo({v: 1}); return out.v`,
		ReadOnly: true,
	})
	if !resp.Success {
		t.Fatalf("Execute failed: %s", resp.Error)
	}
	if toInt(resp.Result) != 1 {
		t.Errorf("readonly flag must not restrict bound calls, got %v", resp.Result)
	}
}

func toInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return -1
	}
}
