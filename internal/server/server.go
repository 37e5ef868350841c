// Package server exposes the task workspace as an MCP tool server over
// stdio. It is the composition root: tools are thin adapters over the panel,
// reconcile, evr and store packages, and every error crossing the boundary is
// one of the enumerated kinds.
package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/metalagman/wave/internal/config"
	"github.com/metalagman/wave/internal/index"
	"github.com/metalagman/wave/internal/project"
	"github.com/metalagman/wave/internal/reconcile"
	"github.com/metalagman/wave/internal/store"
	"github.com/metalagman/wave/internal/waveerr"
)

// Version is set at build time via ldflags.
var Version = "dev"

// actor recorded on agent-driven mutations.
const actorAgent = "agent"

// Server holds the per-connection session state. stdout carries the JSON-RPC
// stream, so all logging goes through the injected handle (stderr).
type Server struct {
	registry  *project.Registry
	log       zerolog.Logger
	startedAt time.Time

	mu    sync.Mutex
	sess  *session
	cache *reconcile.Cache
}

// session is the state bound by connect_project.
type session struct {
	project project.Project
	cfg     config.Config
	store   *store.Store
	archive *index.Store
}

// New creates a server over the given project registry.
func New(registry *project.Registry, log zerolog.Logger) *Server {
	return &Server{
		registry:  registry,
		log:       log,
		startedAt: time.Now(),
	}
}

// MCP builds the MCP server with every tool registered.
func (s *Server) MCP() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "wave", Version: Version}, &mcp.ServerOptions{
		Instructions: serverInstructions,
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "health",
		Description: "Report server liveness, version and uptime.",
	}, s.handleHealth)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "project_info",
		Description: "Describe the bound project and its recent tasks. Never errors; reports connected=false when no project is bound.",
	}, s.handleProjectInfo)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "connect_project",
		Description: "Bind this session to a project. Exactly one of root, slug or repo selects the project; a new root is validated and registered.",
	}, s.handleConnectProject)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "current_task_init",
		Description: "Create a new task and make it the active task for the bound project.",
	}, s.handleTaskInit)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "current_task_read",
		Description: "Read the active task. Panel edits are synchronized first; pending status edits from the panel are reported but never applied.",
	}, s.handleTaskRead)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "current_task_update",
		Description: "Update statuses and record verification runs on the active task. Plan completion is gated on its bound EVRs.",
	}, s.handleTaskUpdate)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "current_task_modify",
		Description: "Edit content of the active task: title, requirements, issues, hints, plans, steps and EVRs. Status fields are not editable here.",
	}, s.handleTaskModify)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "current_task_complete",
		Description: "Complete the active task. Blocked until every EVR is verified; runtime EVRs need a fresh pass.",
	}, s.handleTaskComplete)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "current_task_log",
		Description: "Append entries to the active task's append-only log.",
	}, s.handleTaskLog)

	return srv
}

// Run serves MCP over stdio until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.MCP().Run(ctx, &mcp.StdioTransport{})
}

// Close releases session resources.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil && s.sess.archive != nil {
		return s.sess.archive.Close()
	}
	return nil
}

// bind establishes the session for a resolved project.
func (s *Server) bind(p project.Project) (*session, error) {
	cfg, err := config.Load(p.Root)
	if err != nil {
		return nil, err
	}
	locks := store.NewLockManager(cfg.LockRetry(), cfg.LockTimeout(), s.log)
	sess := &session{
		project: p,
		cfg:     cfg,
		store:   store.New(p.Root, locks, s.log),
	}
	db, err := index.Open(filepath.Join(p.Root, store.WaveDir, "index.db"), s.log)
	if err != nil {
		// The archive index is derived state; run degraded without it.
		s.log.Warn().Err(err).Msg("task index unavailable")
	} else {
		sess.archive = index.NewStore(db)
	}

	s.mu.Lock()
	if s.sess != nil && s.sess.archive != nil && s.sess.archive != sess.archive {
		_ = s.sess.archive.Close()
	}
	s.sess = sess
	s.cache = reconcile.NewCache(cfg.CacheTTL())
	s.mu.Unlock()
	return sess, nil
}

// current returns the bound session or the handshake error.
func (s *Server) current() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, waveerr.New(waveerr.CodeNoProjectBound, "no project bound to this session").
			WithNextAction("connect_project")
	}
	return s.sess, nil
}

// errResult renders an enumerated error as a structured tool failure.
// Non-enumerated errors are returned as-is and surface as plain tool errors.
func errResult(err error) (*mcp.CallToolResult, error) {
	we := waveerr.FromError(err)
	if we == nil {
		return nil, err
	}
	data, merr := json.Marshal(struct {
		Success bool `json:"success"`
		*waveerr.Error
	}{Success: false, Error: we})
	if merr != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

const serverInstructions = `wave is a task panel server. The active task is
stored as structured state; its Markdown panel (current.md) is a projection
the user may edit directly. Content edits in the panel are synchronized into
the task on every read. Status checkboxes edited in the panel are reported as
pending and must be confirmed through current_task_update; the task is
authoritative for all status fields.

Workflow: connect_project, then current_task_init or current_task_read.
Record verification runs with current_task_update before completing plans;
complete the task with current_task_complete once every expected visible
result has been verified.`
