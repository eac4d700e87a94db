package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/neverinfamous/postgresql-mcp/internal/bindings"
)

// maxConsoleBytes bounds the per-sandbox console capture buffer.
const maxConsoleBytes = 64 * 1024

// inProcessSandbox runs code in a restricted goja runtime inside the host
// process. The runtime has no filesystem, process, or network access; the
// only host capabilities are the injected bindings and a captured console.
type inProcessSandbox struct {
	id   string
	opts Options

	mu       sync.Mutex
	vm       *goja.Runtime
	console  *consoleBuffer
	disposed bool
	healthy  bool
}

// NewInProcess creates an in-process sandbox with its own goja runtime.
func NewInProcess(opts Options) Sandbox {
	s := &inProcessSandbox{
		id:      uuid.NewString(),
		opts:    opts,
		console: newConsoleBuffer(maxConsoleBytes),
		healthy: true,
	}
	s.vm = s.newRuntime()
	return s
}

// newRuntime builds a goja runtime with dangerous globals neutered and a
// captured console installed.
func (s *inProcessSandbox) newRuntime() *goja.Runtime {
	vm := goja.New()

	// goja has no require/process/fs by default; remove the remaining
	// dynamic-evaluation escape hatches.
	vm.Set("eval", goja.Undefined())
	vm.Set("Function", goja.Undefined())

	s.console.install(vm)

	return vm
}

func (s *inProcessSandbox) ID() string { return s.id }

func (s *inProcessSandbox) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && !s.disposed
}

func (s *inProcessSandbox) ClearOutput() {
	s.console.Reset()
}

func (s *inProcessSandbox) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.healthy = false
	s.vm = nil
}

// Execute runs one script to completion or failure. The script body is
// wrapped in an async IIFE so that calls into bindings can be awaited and
// a top-level return works.
func (s *inProcessSandbox) Execute(ctx context.Context, code string, b bindings.Registry) Result {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return failureResult(ErrSandboxDisposed.Error(), "", Metrics{})
	}
	vm := s.vm
	s.mu.Unlock()

	// Bindings see a context bounded by the execution budget, so a
	// blocked bound call unwinds when the budget expires.
	execCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	s.installBindings(execCtx, vm, b)

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	type evalOutcome struct {
		value interface{}
		err   error
	}
	resultCh := make(chan evalOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- evalOutcome{err: fmt.Errorf("script panic: %v", r)}
			}
		}()
		wrapped := fmt.Sprintf("(async function() {\n%s\n})()", code)
		v, err := vm.RunString(wrapped)
		if err == nil {
			var value interface{}
			value, err = settle(v)
			if err == nil {
				resultCh <- evalOutcome{value: value}
				return
			}
		}
		resultCh <- evalOutcome{err: err}
	}()

	var outcome evalOutcome
	select {
	case outcome = <-resultCh:

	case <-execCtx.Done():
		// Abort the runtime; the evaluating goroutine observes the
		// interrupt and exits. The sandbox is no longer fit for reuse.
		vm.Interrupt(ErrTimeout)
		s.markUnhealthy()
		m := s.metrics(start, before)
		var r Result
		if err := ctx.Err(); err != nil {
			r = failureResult(err.Error(), "", m)
			r.TimedOut = errors.Is(err, context.DeadlineExceeded)
		} else {
			r = timeoutResult(s.timeoutMessage(), m)
		}
		r.Console = s.console.String()
		return r
	}

	m := s.metrics(start, before)

	if outcome.err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(outcome.err, &interrupted) {
			s.markUnhealthy()
			r := timeoutResult(s.timeoutMessage(), m)
			r.Console = s.console.String()
			return r
		}
		msg, stack := scriptError(outcome.err)
		r := failureResult(msg, stack, m)
		r.Console = s.console.String()
		return r
	}

	r := successResult(outcome.value, m)
	r.Console = s.console.String()
	return r
}

func (s *inProcessSandbox) timeoutMessage() string {
	return fmt.Sprintf("%s after %dms", ErrTimeout.Error(), s.opts.Timeout.Milliseconds())
}

func (s *inProcessSandbox) markUnhealthy() {
	s.mu.Lock()
	s.healthy = false
	s.mu.Unlock()
}

func (s *inProcessSandbox) metrics(start time.Time, before runtime.MemStats) Metrics {
	wall := time.Since(start).Milliseconds()

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	var heapDelta float64
	if after.HeapAlloc > before.HeapAlloc {
		heapDelta = float64(after.HeapAlloc-before.HeapAlloc) / (1024 * 1024)
	}

	return Metrics{
		WallTimeMS:   wall,
		CPUTimeMS:    wall, // no per-goroutine CPU accounting in-process
		MemoryUsedMB: heapDelta,
	}
}

// installBindings exposes each binding group as a global object whose
// methods invoke the bound callables. Callable errors are thrown into the
// script as ordinary exceptions; the script cannot tell a failed bound
// call apart from any other thrown error.
func (s *inProcessSandbox) installBindings(ctx context.Context, vm *goja.Runtime, b bindings.Registry) {
	for group, methods := range b {
		obj := vm.NewObject()
		for name, callable := range methods {
			group, name, callable := group, name, callable
			obj.Set(name, func(call goja.FunctionCall) goja.Value {
				params := map[string]interface{}{}
				if len(call.Arguments) > 0 {
					if m, ok := call.Argument(0).Export().(map[string]interface{}); ok {
						params = m
					}
				}
				v, err := callable(ctx, params)
				if err != nil {
					panic(vm.NewGoError(fmt.Errorf("%s.%s: %w", group, name, err)))
				}
				return vm.ToValue(v)
			})
		}
		vm.Set(group, obj)
	}
}

// scriptException is a rejection or throw surfaced from the script, with
// the JS stack when the rejected value carried one.
type scriptException struct {
	msg   string
	stack string
}

func (e *scriptException) Error() string { return e.msg }

// settle unwraps the async IIFE's promise. goja drains the job queue
// before RunString returns, so a still-pending promise means the script
// awaited something that can never resolve.
func settle(v goja.Value) (interface{}, error) {
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v.Export(), nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, rejectionError(p.Result())
	default:
		return nil, fmt.Errorf("script awaited a value that never settled")
	}
}

// rejectionError turns a rejected promise value into a scriptException. A
// throw inside the async wrapper rejects the promise rather than erroring
// out of RunString, so the original Error object arrives here.
func rejectionError(v goja.Value) error {
	if v == nil {
		return &scriptException{msg: "script promise rejected"}
	}
	exc := &scriptException{msg: v.String()}
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			exc.stack = stack.String()
		}
	}
	return exc
}

// scriptError extracts message and stack from a goja error.
func scriptError(err error) (msg, stack string) {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value().String(), exc.String()
	}
	var rejected *scriptException
	if errors.As(err, &rejected) {
		return rejected.msg, rejected.stack
	}
	return err.Error(), ""
}
