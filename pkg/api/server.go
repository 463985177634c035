package api

import (
	"context"
	"time"

	"github.com/cuemby/quilt/pkg/engine"
	"github.com/cuemby/quilt/pkg/types"
)

// Server is the plain-Go-method surface a transport binds to. It holds no
// state of its own beyond the engine and the on-disk layout needed to
// serve Logs; every lifecycle decision is the engine's.
type Server struct {
	engine        *engine.Engine
	containersDir string
}

// NewServer wraps eng for external use. containersDir must match the
// Runtime's own containersDir, since Logs reads the files Runtime writes.
func NewServer(eng *engine.Engine, containersDir string) *Server {
	return &Server{engine: eng, containersDir: containersDir}
}

// CreateRequest is the input to Create, gathering the CLI's create flags
// into one value.
type CreateRequest struct {
	Name string
	Spec *types.ContainerSpec
}

// Create inserts a new container row. The container is not started; call
// Start separately (or Start immediately after, for CLI flows that treat
// create+start as one step).
func (s *Server) Create(ctx context.Context, req CreateRequest) (*types.Container, error) {
	return s.engine.CreateContainer(ctx, req.Name, req.Spec)
}

// Start begins a CREATED or EXITED container running.
func (s *Server) Start(ctx context.Context, idOrName string) (*types.Container, error) {
	return s.engine.StartContainer(ctx, idOrName)
}

// Stop requests a graceful shutdown, escalating to SIGKILL after grace.
// grace <= 0 uses the engine's configured default.
func (s *Server) Stop(ctx context.Context, idOrName string, grace time.Duration) (*types.Container, error) {
	return s.engine.StopContainer(ctx, idOrName, grace)
}

// Kill sends SIGKILL immediately.
func (s *Server) Kill(ctx context.Context, idOrName string) (*types.Container, error) {
	return s.engine.KillContainer(ctx, idOrName)
}

// Remove moves a container to REMOVING; force allows removing a running
// container by killing it first.
func (s *Server) Remove(ctx context.Context, idOrName string, force bool) (*types.Container, error) {
	return s.engine.RemoveContainer(ctx, idOrName, force)
}

// Status returns one container's current row.
func (s *Server) Status(ctx context.Context, idOrName string) (*types.Container, error) {
	return s.engine.Status(ctx, idOrName)
}

// List returns containers matching filter.
func (s *Server) List(ctx context.Context, filter types.ListFilter) ([]*types.Container, error) {
	return s.engine.List(ctx, filter)
}

// Health is a thin alias over SystemInfo for transports that expose a
// dedicated liveness RPC distinct from the full snapshot.
func (s *Server) Health(ctx context.Context) (*types.SystemInfo, error) {
	return s.engine.SystemInfo(ctx)
}

// SystemInfo returns the daemon-wide snapshot.
func (s *Server) SystemInfo(ctx context.Context) (*types.SystemInfo, error) {
	return s.engine.SystemInfo(ctx)
}
