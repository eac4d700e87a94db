// Package sandbox provides isolated execution of caller-supplied
// JavaScript against an injected binding table, with pooling, resource
// limits, and per-execution metrics. Two isolation modes are available:
// an in-process goja runtime and a separate worker process.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/neverinfamous/postgresql-mcp/internal/bindings"
)

var (
	ErrTimeout           = errors.New("execution timed out")
	ErrSandboxDisposed   = errors.New("sandbox has been disposed")
	ErrPoolExhausted     = errors.New("no available sandbox instances")
	ErrPoolDisposed      = errors.New("sandbox pool has been disposed")
	ErrUnknownMode       = errors.New("unknown isolation mode")
	ErrWorkerUnavailable = errors.New("sandbox worker process unavailable")
)

// Mode determines the isolation level for code execution.
type Mode string

const (
	// ModeInProcess runs code in a restricted goja runtime inside the
	// host process. Fastest; isolation is at the runtime level only.
	ModeInProcess Mode = "inprocess"

	// ModeProcess runs code in a separate worker process with OS-level
	// resource limits. A crash inside the worker cannot corrupt the host.
	ModeProcess Mode = "process"
)

// Options is the immutable per-sandbox configuration. The factory merges
// caller overrides with defaults at creation time.
type Options struct {
	// MemoryLimitMB caps sandbox heap usage. Enforced via GOMEMLIMIT on
	// the worker in process mode; advisory in in-process mode.
	MemoryLimitMB int `mapstructure:"memory_limit_mb"`

	// Timeout is the wall-clock budget per execution.
	Timeout time.Duration `mapstructure:"timeout"`

	// CPULimit caps CPU time per execution. Enforced via rlimit in
	// process mode; in-process mode relies on the wall-clock timeout.
	CPULimit time.Duration `mapstructure:"cpu_limit"`
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MemoryLimitMB: 128,
		Timeout:       5 * time.Second,
		CPULimit:      5 * time.Second,
	}
}

// PoolOptions governs pool sizing policy.
type PoolOptions struct {
	// MinInstances are pre-created at initialization and retained by
	// periodic cleanup.
	MinInstances int `mapstructure:"min_instances"`

	// MaxInstances caps the total of available plus in-use sandboxes.
	MaxInstances int `mapstructure:"max_instances"`

	// IdleTimeout is the interval between cleanup passes that trim the
	// available set back down to MinInstances.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// DefaultPoolOptions returns sensible defaults.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MinInstances: 1,
		MaxInstances: 4,
		IdleTimeout:  60 * time.Second,
	}
}

// Metrics records resource consumption for one execution. Always present
// in a Result, zeroed when execution was rejected before it started.
type Metrics struct {
	WallTimeMS int64 `json:"wallTimeMs"`

	// CPUTimeMS is true CPU time where the isolation mechanism exposes it
	// (worker rusage on linux); otherwise it is approximated by wall time.
	CPUTimeMS int64 `json:"cpuTimeMs"`

	// MemoryUsedMB is the heap delta observed around the execution.
	// Approximate for the in-process mode.
	MemoryUsedMB float64 `json:"memoryUsedMb"`
}

// Result is the outcome of one execution. Success carries Value; failure
// carries Error and, for script exceptions, Stack.
type Result struct {
	Success bool        `json:"success"`
	Value   interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Stack   string      `json:"stack,omitempty"`
	Metrics Metrics     `json:"metrics"`

	// TimedOut marks failures caused by an expired execution budget, so
	// callers need not parse the error text to recognize a timeout.
	TimedOut bool `json:"timedOut,omitempty"`

	// Console holds output the script wrote via console.log and friends,
	// captured instead of reaching the host's standard streams.
	Console string `json:"console,omitempty"`
}

func successResult(value interface{}, m Metrics) Result {
	return Result{Success: true, Value: value, Metrics: m}
}

func failureResult(err string, stack string, m Metrics) Result {
	return Result{Success: false, Error: err, Stack: stack, Metrics: m}
}

func timeoutResult(err string, m Metrics) Result {
	r := failureResult(err, "", m)
	r.TimedOut = true
	return r
}

// Sandbox is one isolated execution context. A sandbox runs exactly one
// script at a time and transitions from live to disposed exactly once.
type Sandbox interface {
	// Execute runs code with the given binding table. Failures are
	// returned in the Result, never as a panic or error value.
	Execute(ctx context.Context, code string, b bindings.Registry) Result

	// Healthy reports whether the sandbox is fit for reuse. A sandbox
	// that timed out or whose worker died reports false.
	Healthy() bool

	// Dispose releases the isolation context. Idempotent. A disposed
	// sandbox fails all subsequent executions.
	Dispose()

	// ID identifies the sandbox for pool bookkeeping.
	ID() string

	// ClearOutput resets the captured console buffer between leases.
	ClearOutput()
}
