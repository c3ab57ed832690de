// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes chatshelf tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/models"
	"github.com/starford/chatshelf/internal/sessionservice"
	"github.com/starford/chatshelf/internal/syncer"
)

const formatURI = "chatshelf://session-format"

// Engine is the index maintenance surface the tools need.
type Engine interface {
	Reconcile(ctx context.Context) (syncer.Result, error)
	Stats() syncer.Stats
}

// Server wraps the MCP server with chatshelf tools.
type Server struct {
	mcp    *server.MCPServer
	svc    *sessionservice.Service
	engine Engine
}

// New creates a new MCP server with all chatshelf tools registered.
func New(svc *sessionservice.Service, engine Engine, version string) *Server {
	s := &Server{svc: svc, engine: engine}

	s.mcp = server.NewMCPServer(
		"Chatshelf",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_sessions",
		mcp.WithDescription("Full-text search through session titles, tags and messages."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
	), s.searchSessions)

	s.mcp.AddTool(mcp.NewTool("read_session",
		mcp.WithDescription("Read the full JSON document of a session."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Session id")),
	), s.readSession)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List indexed sessions, most recently updated first."),
		mcp.WithString("tag", mcp.Description("Only sessions carrying this tag")),
		mcp.WithString("from", mcp.Description("Only sessions updated at or after this RFC 3339 time")),
		mcp.WithString("to", mcp.Description("Only sessions updated at or before this RFC 3339 time")),
	), s.listSessions)

	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Store a new session. The document MUST follow the session format; "+
			"read it first via get_session_contract or the "+formatURI+" resource."),
		mcp.WithString("document", mcp.Required(), mcp.Description("Session document as a JSON object")),
	), s.createSession)

	s.mcp.AddTool(mcp.NewTool("get_session_contract",
		mcp.WithDescription("Returns the session document format. Call this before creating sessions."),
	), s.getSessionContract)

	s.mcp.AddTool(mcp.NewTool("index_stats",
		mcp.WithDescription("Report index size, pending batch size and error counts."),
	), s.indexStats)

	s.mcp.AddTool(mcp.NewTool("reconcile_index",
		mcp.WithDescription("Rescan the sessions directory and repair the index."),
	), s.reconcileIndex)

	s.mcp.AddResource(
		mcp.NewResource(formatURI, "Session Format",
			mcp.WithResourceDescription("JSON format that all session documents follow."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results)
}

func (s *Server) readSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.svc.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	return mcp.NewToolResultText(string(sess.Document)), nil
}

func (s *Server) listSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := sessionservice.ListFilter{Tag: req.GetString("tag", "")}
	var err error
	if f.From, err = optionalTime(req.GetString("from", "")); err != nil {
		return mcp.NewToolResultError("invalid from: " + err.Error()), nil
	}
	if f.To, err = optionalTime(req.GetString("to", "")); err != nil {
		return mcp.NewToolResultError("invalid to: " + err.Error()), nil
	}
	return jsonResult(s.svc.List(ctx, f))
}

func (s *Server) createSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var doc models.SessionDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return mcp.NewToolResultError("document is not valid JSON: " + err.Error()), nil
	}
	sess, err := s.svc.Create(ctx, doc)
	switch {
	case errors.Is(err, apperr.ErrAlreadyExists):
		return mcp.NewToolResultError(fmt.Sprintf("session already exists: %s", doc.ID)), nil
	case err != nil:
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", sess.ID)), nil
}

func (s *Server) getSessionContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(SessionFormatContract), nil
}

func (s *Server) indexStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.engine.Stats())
}

func (s *Server) reconcileIndex(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.engine.Reconcile(context.WithoutCancel(ctx))
	if err != nil {
		return mcp.NewToolResultError("reconcile failed: " + err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("processed %d: added %d, modified %d, deleted %d, healed %d, errors %d",
		res.Processed, res.Added, res.Modified, res.Deleted, res.Healed, len(res.Errors))), nil
}

func (s *Server) readFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      formatURI,
			MIMEType: "text/markdown",
			Text:     SessionFormatContract,
		},
	}, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func optionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
