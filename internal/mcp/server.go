// Package mcp exposes tools to running agents over the Model Context
// Protocol. An agent launched by hound starts `hound mcp` as its tool
// server; the server learns its session, agent and working directory from
// the environment the agent inherited.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/hound/internal/invoke"
	"github.com/joescharf/hound/internal/models"
	"github.com/joescharf/hound/internal/validate"
)

// StatusSource returns a read-only view of a session.
type StatusSource interface {
	Snapshot(ctx context.Context, sessionID string) (*models.Session, error)
}

// Options configures a Server.
type Options struct {
	SessionID  string
	Agent      string
	Workdir    string
	Status     StatusSource
	Validators *validate.Registry
	Version    string
}

// Server holds the context of the agent attempt it serves.
type Server struct {
	session    string
	agent      string
	workdir    string
	status     StatusSource
	validators *validate.Registry
	version    string
}

// NewServer creates the MCP server wrapper.
func NewServer(o Options) *Server {
	if o.Version == "" {
		o.Version = "dev"
	}
	return &Server{
		session:    o.SessionID,
		agent:      o.Agent,
		workdir:    o.Workdir,
		status:     o.Status,
		validators: o.Validators,
		version:    o.Version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("hound", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.saveDeliverableTool())
	srv.AddTool(s.validateDeliverablesTool())
	srv.AddTool(s.pipelineStatusTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// save_deliverable
func (s *Server) saveDeliverableTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("save_deliverable",
		mcp.WithDescription("Write a deliverable file into the agent's working directory. The path is relative to the working directory and may not leave it. Existing files are replaced."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative file path, e.g. deliverables/xss_analysis_deliverable.md")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full file content")),
	)
	return tool, s.handleSaveDeliverable
}

func (s *Server) handleSaveDeliverable(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.workdir == "" {
		return mcp.NewToolResultError("no working directory: HOUND_WORKDIR is not set"), nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: path"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}

	rel, err := invoke.WriteDeliverable(s.workdir, path, []byte(content))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save deliverable: %v", err)), nil
	}

	out := map[string]any{"path": rel, "bytes": len(content)}
	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}

// validate_deliverables
func (s *Server) validateDeliverablesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("validate_deliverables",
		mcp.WithDescription("Run the validator hound will apply to this agent's deliverables when the attempt ends. Returns valid=true or the reason the deliverables would be rejected."),
		mcp.WithString("agent", mcp.Description("Agent name (defaults to the agent this server was started for)")),
	)
	return tool, s.handleValidateDeliverables
}

func (s *Server) handleValidateDeliverables(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validators == nil {
		return mcp.NewToolResultError("validators not configured"), nil
	}
	if s.workdir == "" {
		return mcp.NewToolResultError("no working directory: HOUND_WORKDIR is not set"), nil
	}
	agent := request.GetString("agent", s.agent)
	if agent == "" {
		return mcp.NewToolResultError("missing parameter: agent (HOUND_AGENT is not set)"), nil
	}
	v, err := s.validators.For(agent)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := v.Validate(ctx, s.workdir, nil)
	out := struct {
		Agent  string `json:"agent"`
		Valid  bool   `json:"valid"`
		Reason string `json:"reason,omitempty"`
	}{agent, res.Valid, res.Reason}
	data, _ := json.Marshal(out)
	return mcp.NewToolResultText(string(data)), nil
}

// pipeline_status
func (s *Server) pipelineStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pipeline_status",
		mcp.WithDescription("Get the status of the current pipeline session: each agent's phase, status and attempt count. Use it to find which deliverables of earlier phases are available."),
		mcp.WithString("session", mcp.Description("Session id (defaults to HOUND_SESSION)")),
	)
	return tool, s.handlePipelineStatus
}

func (s *Server) handlePipelineStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.status == nil {
		return mcp.NewToolResultError("session status not available"), nil
	}
	id := request.GetString("session", s.session)
	if id == "" {
		return mcp.NewToolResultError("missing parameter: session (HOUND_SESSION is not set)"), nil
	}
	sess, err := s.status.Snapshot(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load session: %v", err)), nil
	}

	type agentOut struct {
		Name     string `json:"name"`
		Phase    string `json:"phase"`
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
	}
	out := struct {
		Session      string     `json:"session"`
		TargetURL    string     `json:"target_url"`
		Status       string     `json:"status"`
		CurrentPhase string     `json:"current_phase"`
		Workdir      string     `json:"workdir,omitempty"`
		Agents       []agentOut `json:"agents"`
	}{
		Session:      sess.ID,
		TargetURL:    sess.TargetURL,
		Status:       string(sess.Status),
		CurrentPhase: sess.CurrentPhase,
		Agents:       make([]agentOut, 0, len(sess.Agents)),
	}
	if s.workdir != "" {
		out.Workdir = filepath.Clean(s.workdir)
	}
	for _, a := range sess.Agents {
		out.Agents = append(out.Agents, agentOut{Name: a.Name, Phase: a.Phase, Status: string(a.Status), Attempts: a.Attempts})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
