package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neverinfamous/postgresql-mcp/internal/bindings"
)

// WorkerBinaryEnv overrides the worker binary path. When unset the
// sandbox re-executes the current binary with the sandbox-worker
// subcommand.
const WorkerBinaryEnv = "PGMCP_SANDBOX_WORKER"

// processSandbox runs code in a separate worker process with its own
// heap, communicating over stdin/stdout JSON messages. Bound API calls
// from inside the worker are proxied back to the host, so the worker
// itself holds no credentials or connections.
type processSandbox struct {
	id   string
	opts Options

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *json.Encoder
	dec      *json.Decoder
	disposed bool
	healthy  bool
}

// NewProcess creates a sandbox backed by a freshly started worker
// process. Startup failure yields a sandbox that reports unhealthy and
// fails every execution.
func NewProcess(opts Options) Sandbox {
	s := &processSandbox{
		id:   uuid.NewString(),
		opts: opts,
	}
	if err := s.start(); err == nil {
		s.healthy = true
	}
	return s
}

func (s *processSandbox) start() error {
	binary := os.Getenv(WorkerBinaryEnv)
	args := []string{"sandbox-worker"}
	if binary == "" {
		binary = os.Args[0]
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("SANDBOX_CPU_SEC=%d", int(s.opts.CPULimit.Seconds())),
	)
	if s.opts.MemoryLimitMB > 0 {
		// GOMEMLIMIT makes the worker's runtime enforce the heap cap. An
		// address-space rlimit would count the runtime's own virtual
		// reservations and kill the worker at startup.
		cmd.Env = append(cmd.Env, fmt.Sprintf("GOMEMLIMIT=%dMiB", s.opts.MemoryLimitMB))
	}
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return err
	}

	s.cmd = cmd
	s.stdin = stdin
	s.enc = json.NewEncoder(stdin)
	s.dec = json.NewDecoder(stdout)
	return nil
}

func (s *processSandbox) ID() string { return s.id }

func (s *processSandbox) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || !s.healthy || s.cmd == nil {
		return false
	}
	return s.cmd.ProcessState == nil
}

// ClearOutput is a no-op: the worker starts each execution with a fresh
// console buffer.
func (s *processSandbox) ClearOutput() {}

func (s *processSandbox) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.healthy = false
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
}

// Execute sends the script to the worker and services binding calls until
// the worker reports a terminal result. The worker is killed on timeout.
func (s *processSandbox) Execute(ctx context.Context, code string, b bindings.Registry) Result {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return failureResult(ErrSandboxDisposed.Error(), "", Metrics{})
	}
	if !s.healthy || s.cmd == nil {
		s.mu.Unlock()
		return failureResult(ErrWorkerUnavailable.Error(), "", Metrics{})
	}
	s.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		r, err := s.converse(execCtx, code, b, start)
		done <- outcome{result: r, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			// Protocol breakdown: the worker is in an unknown state.
			s.kill()
			return failureResult(o.err.Error(), "", wallMetrics(start))
		}
		return o.result

	case <-execCtx.Done():
		// The worker may be stuck in a hot loop; kill it rather than
		// trust it to recover.
		s.kill()
		m := wallMetrics(start)
		if err := ctx.Err(); err != nil {
			r := failureResult(err.Error(), "", m)
			r.TimedOut = errors.Is(err, context.DeadlineExceeded)
			return r
		}
		return timeoutResult(
			fmt.Sprintf("%s after %dms", ErrTimeout.Error(), s.opts.Timeout.Milliseconds()), m)
	}
}

// converse drives one exec round trip, answering call messages with the
// bound callables until a terminal message arrives.
func (s *processSandbox) converse(ctx context.Context, code string, b bindings.Registry, start time.Time) (Result, error) {
	groups := make(map[string][]string, len(b))
	for group, methods := range b {
		names := make([]string, 0, len(methods))
		for name := range methods {
			names = append(names, name)
		}
		groups[group] = names
	}

	if err := s.enc.Encode(wireMessage{Type: msgExec, Code: code, Groups: groups}); err != nil {
		return Result{}, fmt.Errorf("failed to send request to worker: %w", err)
	}

	for {
		var msg wireMessage
		if err := s.dec.Decode(&msg); err != nil {
			return Result{}, fmt.Errorf("failed to read worker response: %w", err)
		}

		switch msg.Type {
		case msgCall:
			reply := wireMessage{Type: msgCallResult, ID: msg.ID}
			if callable := lookupCallable(b, msg.Group, msg.Method); callable == nil {
				reply.Error = fmt.Sprintf("unknown binding %s.%s", msg.Group, msg.Method)
			} else if v, err := callable(ctx, msg.Params); err != nil {
				reply.Error = fmt.Sprintf("%s.%s: %v", msg.Group, msg.Method, err)
			} else {
				reply.Result = v
			}
			if err := s.enc.Encode(reply); err != nil {
				return Result{}, fmt.Errorf("failed to answer worker call: %w", err)
			}

		case msgResult:
			r := successResult(msg.Result, s.workerMetrics(msg, start))
			r.Console = msg.Console
			return r, nil

		case msgError:
			r := failureResult(msg.Error, msg.Stack, s.workerMetrics(msg, start))
			r.Console = msg.Console
			return r, nil

		default:
			return Result{}, fmt.Errorf("unexpected worker message type %q", msg.Type)
		}
	}
}

func (s *processSandbox) workerMetrics(msg wireMessage, start time.Time) Metrics {
	m := Metrics{
		WallTimeMS:   time.Since(start).Milliseconds(),
		CPUTimeMS:    msg.CPUTimeMS,
		MemoryUsedMB: msg.MemoryUsedMB,
	}
	if m.CPUTimeMS == 0 {
		m.CPUTimeMS = m.WallTimeMS
	}
	return m
}

func (s *processSandbox) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

func lookupCallable(b bindings.Registry, group, method string) bindings.Callable {
	methods, ok := b[group]
	if !ok {
		return nil
	}
	return methods[method]
}

func wallMetrics(start time.Time) Metrics {
	wall := time.Since(start).Milliseconds()
	return Metrics{WallTimeMS: wall, CPUTimeMS: wall}
}
