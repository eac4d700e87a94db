// pgmcp-server runs the code execution service for the PostgreSQL MCP
// tool server.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/neverinfamous/postgresql-mcp/internal/sandbox"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pgmcp-server",
		Short: "PostgreSQL MCP code execution service",
		Long:  "Runs the sandboxed code execution core of the PostgreSQL MCP tool server.",
	}

	rootCmd.AddCommand(newServeCmd())

	// sandbox-worker is how a process-mode sandbox re-executes this
	// binary as an isolated worker.
	rootCmd.AddCommand(&cobra.Command{
		Use:    "sandbox-worker",
		Short:  "Run as a sandbox worker process (internal)",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			sandbox.RunWorker()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
