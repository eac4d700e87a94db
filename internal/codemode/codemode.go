// Package codemode implements the code-execution tool: callers submit
// JavaScript that runs inside a pooled sandbox with the bound API surface
// injected, guarded by the security manager and recorded to the audit
// trail.
package codemode

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/neverinfamous/postgresql-mcp/internal/bindings"
	"github.com/neverinfamous/postgresql-mcp/internal/sandbox"
	"github.com/neverinfamous/postgresql-mcp/internal/security"
)

// ErrNoBindings indicates a misconfigured (empty) bound API surface. The
// service refuses to start without at least one bound method.
var ErrNoBindings = errors.New("no bound API methods configured")

// Request is one code-execution request.
type Request struct {
	// Code is the script to execute.
	Code string `json:"code"`

	// TimeoutMS is a soft hint: it can shorten an execution's budget but
	// never exceed the sandbox's own configured limit.
	TimeoutMS int64 `json:"timeout,omitempty"`

	// ReadOnly is an informational flag recorded in the audit trail. It
	// does not restrict which bound methods the script may call.
	ReadOnly bool `json:"readonly,omitempty"`

	// CallerID identifies the caller for rate limiting and audit.
	CallerID string `json:"-"`
}

// Response is the well-formed outcome of any execution request. Every
// code path produces one; the tool itself never crashes a request.
type Response struct {
	Success bool            `json:"success"`
	Result  interface{}     `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Metrics sandbox.Metrics `json:"metrics"`
	Hint    string          `json:"hint,omitempty"`
}

// Service orchestrates security checks, pooled sandbox execution, result
// sanitization, and audit logging.
type Service struct {
	sec      *security.Manager
	factory  *sandbox.Factory
	registry bindings.Registry
	logger   zerolog.Logger

	mu   sync.Mutex
	pool *sandbox.Pool
}

// NewService wires the code-execution tool together. An empty binding
// registry is a fatal precondition failure.
func NewService(factory *sandbox.Factory, sec *security.Manager, registry bindings.Registry, logger zerolog.Logger) (*Service, error) {
	if registry.Count() == 0 {
		return nil, ErrNoBindings
	}
	return &Service{
		sec:      sec,
		factory:  factory,
		registry: registry,
		logger:   logger.With().Str("component", "codemode").Logger(),
	}, nil
}

// ensurePool lazily creates and initializes the active pool. After a
// Close, the next execution builds a fresh pool.
func (s *Service) ensurePool() (*sandbox.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return s.pool, nil
	}
	pool, err := s.factory.NewPool("")
	if err != nil {
		return nil, err
	}
	if err := pool.Initialize(); err != nil {
		return nil, err
	}
	s.pool = pool
	return pool, nil
}

// Execute runs one request end to end. Validation and rate-limit
// rejections return before any sandbox is touched and are not audited;
// every executed script produces exactly one audit record.
func (s *Service) Execute(ctx context.Context, req Request) Response {
	if v := s.sec.ValidateCode(req.Code); !v.Valid {
		return Response{
			Success: false,
			Error:   "code validation failed: " + strings.Join(v.Errors, "; "),
		}
	}

	if !s.sec.CheckRateLimit(req.CallerID) {
		return Response{
			Success: false,
			Error:   "rate limit exceeded",
			Hint:    "wait for the current rate window to elapse before retrying",
		}
	}

	pool, err := s.ensurePool()
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	// The timeout hint can only tighten the budget; the sandbox's own
	// configured limit remains the hard ceiling.
	execCtx := ctx
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	result, err := pool.Execute(execCtx, req.Code, s.registry)
	if err != nil {
		resp := Response{Success: false, Error: err.Error()}
		if errors.Is(err, sandbox.ErrPoolExhausted) {
			resp.Hint = "all sandbox instances are busy; retry shortly"
		}
		return resp
	}

	rec := s.sec.NewExecutionRecord(req.Code, result, req.ReadOnly, req.CallerID)
	s.sec.AuditLog(rec)

	resp := Response{
		Success: result.Success,
		Error:   result.Error,
		Metrics: result.Metrics,
	}
	if result.Success {
		resp.Result = s.sec.SanitizeResult(result.Value)
	} else if result.TimedOut {
		resp.Hint = "execution exceeded its time budget; simplify the script or raise the sandbox timeout"
	}
	return resp
}

// Stats reports pool occupancy; zeroes when no pool is active.
func (s *Service) Stats() sandbox.PoolStats {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return sandbox.PoolStats{}
	}
	return pool.Stats()
}

// Close disposes the active pool. Idempotent; a no-op when nothing is
// initialized. A later Execute creates a fresh pool.
func (s *Service) Close() {
	s.mu.Lock()
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()
	if pool != nil {
		pool.Dispose()
	}
}
