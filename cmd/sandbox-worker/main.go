// sandbox-worker is a minimal binary for running sandboxed scripts in an
// isolated process, speaking JSON over stdin/stdout to the host. Deploy
// it standalone via PGMCP_SANDBOX_WORKER when the service binary itself
// should not be re-executed.
package main

import (
	"github.com/neverinfamous/postgresql-mcp/internal/sandbox"
)

func main() {
	sandbox.RunWorker()
}
