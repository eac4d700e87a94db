package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/dop251/goja"
)

// RunWorker is the main loop of a sandbox worker process. It reads exec
// requests from stdin, runs each script in a fresh restricted runtime,
// proxies binding calls back to the host, and writes a terminal message
// per request to stdout. It returns when stdin is closed.
func RunWorker() {
	applyResourceLimits()

	dec := json.NewDecoder(os.Stdin)
	enc := json.NewEncoder(os.Stdout)

	for {
		var req wireMessage
		if err := dec.Decode(&req); err != nil {
			// Host closed stdin; exit cleanly.
			return
		}
		if req.Type != msgExec {
			enc.Encode(wireMessage{Type: msgError, Error: fmt.Sprintf("unexpected message type %q", req.Type)})
			continue
		}
		if err := enc.Encode(runWorkerScript(req, enc, dec)); err != nil {
			return
		}
	}
}

// runWorkerScript executes one script in a fresh runtime. Binding stubs
// send call messages to the host and block on the reply; the worker is
// single-threaded per request, so the nested decode is safe.
func runWorkerScript(req wireMessage, enc *json.Encoder, dec *json.Decoder) (msg wireMessage) {
	console := newConsoleBuffer(maxConsoleBytes)

	defer func() {
		if r := recover(); r != nil {
			msg = wireMessage{Type: msgError, Error: fmt.Sprintf("script panic: %v", r), Console: console.String()}
		}
	}()

	vm := goja.New()
	vm.Set("eval", goja.Undefined())
	vm.Set("Function", goja.Undefined())
	console.install(vm)

	var callID uint64
	for group, methods := range req.Groups {
		obj := vm.NewObject()
		for _, name := range methods {
			group, name := group, name
			obj.Set(name, func(call goja.FunctionCall) goja.Value {
				params := map[string]interface{}{}
				if len(call.Arguments) > 0 {
					if m, ok := call.Argument(0).Export().(map[string]interface{}); ok {
						params = m
					}
				}
				callID++
				if err := enc.Encode(wireMessage{
					Type: msgCall, ID: callID, Group: group, Method: name, Params: params,
				}); err != nil {
					panic(vm.NewGoError(fmt.Errorf("lost connection to host: %w", err)))
				}
				var reply wireMessage
				if err := dec.Decode(&reply); err != nil {
					panic(vm.NewGoError(fmt.Errorf("lost connection to host: %w", err)))
				}
				if reply.Error != "" {
					panic(vm.NewGoError(fmt.Errorf("%s", reply.Error)))
				}
				return vm.ToValue(reply.Result)
			})
		}
		vm.Set(group, obj)
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	cpuBefore := cpuTimeMillis()

	wrapped := fmt.Sprintf("(async function() {\n%s\n})()", req.Code)
	value, runErr := vm.RunString(wrapped)

	var result interface{}
	if runErr == nil {
		result, runErr = settle(value)
	}

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	var heapDelta float64
	if after.HeapAlloc > before.HeapAlloc {
		heapDelta = float64(after.HeapAlloc-before.HeapAlloc) / (1024 * 1024)
	}
	cpuMillis := cpuTimeMillis() - cpuBefore

	if runErr != nil {
		errMsg, stack := scriptError(runErr)
		return wireMessage{
			Type: msgError, Error: errMsg, Stack: stack,
			Console: console.String(), CPUTimeMS: cpuMillis, MemoryUsedMB: heapDelta,
		}
	}
	return wireMessage{
		Type: msgResult, Result: result,
		Console: console.String(), CPUTimeMS: cpuMillis, MemoryUsedMB: heapDelta,
	}
}
