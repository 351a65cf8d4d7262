package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/hound/internal/failure"
	"github.com/joescharf/hound/internal/invoke"
	"github.com/joescharf/hound/internal/mcp"
	"github.com/joescharf/hound/internal/validate"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for running agents",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents launched by hound inherit HOUND_SESSION, HOUND_AGENT and
HOUND_WORKDIR; configure the agent's MCP client with:

  {
    "mcpServers": {
      "hound": { "command": "hound", "args": ["mcp"] }
    }
  }

Available tools: save_deliverable, validate_deliverables, pipeline_status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	// The tool server only reads session state; it never invokes agents.
	e, err := openEngine(invoke.Func(func(context.Context, invoke.Request) (invoke.Result, error) {
		return invoke.Result{}, failure.New(failure.KindTool, "agents cannot be invoked from the MCP server")
	}))
	if err != nil {
		return err
	}
	eng = e
	validators, err := validate.Build(e.Pipeline())
	if err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.Options{
		SessionID:  os.Getenv("HOUND_SESSION"),
		Agent:      os.Getenv("HOUND_AGENT"),
		Workdir:    os.Getenv("HOUND_WORKDIR"),
		Status:     e,
		Validators: validators,
		Version:    buildVersion,
	})
	ctx, stop := runContext()
	defer stop()
	return srv.ServeStdio(ctx)
}
