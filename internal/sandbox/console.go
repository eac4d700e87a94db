package sandbox

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// consoleBuffer captures console output from sandboxed scripts into a
// bounded in-memory buffer. Once full, further writes are dropped and a
// single truncation marker is appended.
type consoleBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	max       int
	truncated bool
}

func newConsoleBuffer(max int) *consoleBuffer {
	return &consoleBuffer{max: max}
}

// install registers a console object (log/info/warn/error) on the runtime.
func (c *consoleBuffer) install(vm *goja.Runtime) {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		level := level
		console.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = fmt.Sprintf("%v", arg.Export())
			}
			c.write(level, strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	vm.Set("console", console)
}

func (c *consoleBuffer) write(level, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return
	}
	entry := "[" + level + "] " + line + "\n"
	if c.buf.Len()+len(entry) > c.max {
		c.buf.WriteString("[output truncated]\n")
		c.truncated = true
		return
	}
	c.buf.WriteString(entry)
}

func (c *consoleBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *consoleBuffer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
	c.truncated = false
}
