package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/neverinfamous/postgresql-mcp/internal/bindings"
)

// TestMain lets the test binary stand in for the worker binary: a process
// sandbox pointed at it via PGMCP_SANDBOX_WORKER re-executes it with the
// sandbox-worker argument, same as the production binary's subcommand.
func TestMain(m *testing.M) {
	for _, arg := range os.Args[1:] {
		if arg == "sandbox-worker" {
			RunWorker()
			return
		}
	}
	os.Exit(m.Run())
}

func newProcessSandbox(t *testing.T, opts Options) Sandbox {
	t.Helper()
	t.Setenv(WorkerBinaryEnv, os.Args[0])
	s := NewProcess(opts)
	if !s.Healthy() {
		t.Fatal("worker process failed to start")
	}
	t.Cleanup(s.Dispose)
	return s
}

func TestProcess_SimpleReturn(t *testing.T) {
	s := newProcessSandbox(t, testOptions())

	r := s.Execute(context.Background(), "return 21 * 2", nil)
	if !r.Success {
		t.Fatalf("Execute failed: %s", r.Error)
	}
	if toFloat64(r.Value) != 42 {
		t.Errorf("expected 42, got %v", r.Value)
	}
	if !s.Healthy() {
		t.Error("sandbox should be reusable after a clean run")
	}
}

func TestProcess_WorkerStartsUnderMemoryLimit(t *testing.T) {
	// The worker inherits the heap cap through its environment; it must
	// still come up and serve requests rather than die at startup.
	s := newProcessSandbox(t, Options{
		MemoryLimitMB: 128,
		Timeout:       2 * time.Second,
		CPULimit:      2 * time.Second,
	})

	r := s.Execute(context.Background(), "return false", nil)
	if !r.Success {
		t.Fatalf("Execute failed under memory limit: %s", r.Error)
	}
	if v, ok := r.Value.(bool); !ok || v {
		t.Errorf("expected false, got %v (%T)", r.Value, r.Value)
	}
}

func TestProcess_BindingProxyRoundTrip(t *testing.T) {
	s := newProcessSandbox(t, testOptions())

	var gotSQL string
	reg := bindings.Registry{
		"pg": {
			"query": func(_ context.Context, params map[string]interface{}) (interface{}, error) {
				gotSQL, _ = params["sql"].(string)
				return []interface{}{map[string]interface{}{"n": 1}}, nil
			},
		},
	}

	r := s.Execute(context.Background(), `const rows = await pg.query({sql: "SELECT 1"}); return rows[0].n`, reg)
	if !r.Success {
		t.Fatalf("Execute failed: %s", r.Error)
	}
	if toFloat64(r.Value) != 1 {
		t.Errorf("expected proxied row value 1, got %v", r.Value)
	}
	if gotSQL != "SELECT 1" {
		t.Errorf("expected host callable to receive params, got sql=%q", gotSQL)
	}
}

func TestProcess_BindingErrorSurfacesAsScriptError(t *testing.T) {
	s := newProcessSandbox(t, testOptions())

	reg := bindings.Registry{
		"pg": {
			"query": func(context.Context, map[string]interface{}) (interface{}, error) {
				return nil, errors.New("connection refused")
			},
		},
	}

	r := s.Execute(context.Background(), `return await pg.query({})`, reg)
	if r.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(r.Error, "pg.query") {
		t.Errorf("expected the binding named in the error, got %q", r.Error)
	}
	if !s.Healthy() {
		t.Error("a failed bound call should not kill the worker")
	}
}

func TestProcess_ScriptErrorKeepsWorker(t *testing.T) {
	s := newProcessSandbox(t, testOptions())

	r := s.Execute(context.Background(), `throw new Error("kaboom")`, nil)
	if r.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(r.Error, "kaboom") {
		t.Errorf("expected exception message preserved, got %q", r.Error)
	}
	if r.Stack == "" {
		t.Error("expected a stack for a thrown error")
	}
	if !s.Healthy() {
		t.Error("script errors must not consume the worker")
	}

	// The same worker serves the next request.
	r = s.Execute(context.Background(), "return 1", nil)
	if !r.Success {
		t.Fatalf("Execute after script error failed: %s", r.Error)
	}
}

func TestProcess_ConsoleCapture(t *testing.T) {
	s := newProcessSandbox(t, testOptions())

	r := s.Execute(context.Background(), `console.log("from the worker"); return 1`, nil)
	if !r.Success {
		t.Fatalf("Execute failed: %s", r.Error)
	}
	if !strings.Contains(r.Console, "[log] from the worker") {
		t.Errorf("expected captured console output, got %q", r.Console)
	}
}

func TestProcess_TimeoutKillsWorker(t *testing.T) {
	s := newProcessSandbox(t, Options{
		MemoryLimitMB: 128,
		Timeout:       100 * time.Millisecond,
		CPULimit:      2 * time.Second,
	})

	r := s.Execute(context.Background(), "for (;;) {}", nil)
	if r.Success {
		t.Fatal("expected timeout failure")
	}
	if !r.TimedOut {
		t.Error("expected the timeout flag")
	}
	if !strings.Contains(r.Error, "timed out") || !strings.Contains(r.Error, "100ms") {
		t.Errorf("expected timeout error with the limit, got %q", r.Error)
	}
	if r.Metrics.WallTimeMS < 100 {
		t.Errorf("expected wall time >= limit, got %d", r.Metrics.WallTimeMS)
	}
	if s.Healthy() {
		t.Error("a killed worker must not be reused")
	}
}

func TestProcess_DisposedFailsWithZeroMetrics(t *testing.T) {
	s := newProcessSandbox(t, testOptions())
	s.Dispose()
	s.Dispose() // idempotent

	r := s.Execute(context.Background(), "return 1", nil)
	if r.Success {
		t.Fatal("expected failure on disposed sandbox")
	}
	if !strings.Contains(r.Error, ErrSandboxDisposed.Error()) {
		t.Errorf("expected disposed error, got %q", r.Error)
	}
	if r.Metrics != (Metrics{}) {
		t.Errorf("expected zeroed metrics, got %+v", r.Metrics)
	}
}

func TestProcess_StartFailureReportsUnavailable(t *testing.T) {
	t.Setenv(WorkerBinaryEnv, "/nonexistent/sandbox-worker")

	s := NewProcess(testOptions())
	defer s.Dispose()

	if s.Healthy() {
		t.Fatal("sandbox with no worker must report unhealthy")
	}
	r := s.Execute(context.Background(), "return 1", nil)
	if r.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(r.Error, ErrWorkerUnavailable.Error()) {
		t.Errorf("expected worker unavailable error, got %q", r.Error)
	}
}
