package api

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/runtime"
	"github.com/cuemby/quilt/pkg/types"
)

// ExecRequest describes one Exec/IccExec invocation.
type ExecRequest struct {
	Command []string
	Env     []string
	WorkDir string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExecResult is what Exec returns once the target command exits.
type ExecResult struct {
	ExitCode int
}

// Exec runs a command inside idOrName's namespaces by re-executing the
// daemon binary under argv0 "quilt-exec", which joins the target's
// /proc/<pid>/ns/* entries via setns and then syscall.Execs the command in
// place (see pkg/runtime/execshim.go). Exec blocks until the command
// exits, streaming req.Stdin/Stdout/Stderr the whole time.
func (s *Server) Exec(ctx context.Context, idOrName string, req ExecRequest) (*ExecResult, error) {
	c, err := s.engine.Status(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if c.State != types.StateRunning {
		return nil, quilterr.New(quilterr.InvalidArgument, "api.Exec", "container is not running")
	}
	if len(req.Command) == 0 {
		return nil, quilterr.New(quilterr.InvalidArgument, "api.Exec", "command is required")
	}
	return s.execInContainer(ctx, c.PID, req)
}

// IccExec is Exec addressed at another container by id or name — the
// "inter-container call" primitive the spec calls ICC. It shares the exact
// same setns mechanism as Exec; the only difference is what resolves
// idOrName to a PID. Unlike a same-container Exec, ICC exec depends on the
// target's network being attached, so it waits (bounded) on that first.
func (s *Server) IccExec(ctx context.Context, targetIDOrName string, req ExecRequest) (*ExecResult, error) {
	if err := s.engine.WaitNetworkReady(ctx, targetIDOrName, 0); err != nil {
		return nil, err
	}
	return s.Exec(ctx, targetIDOrName, req)
}

func (s *Server) execInContainer(ctx context.Context, pid int, req ExecRequest) (*ExecResult, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, quilterr.Wrap(quilterr.Internal, "api.execInContainer", "resolve self executable", err)
	}

	workdir := req.WorkDir
	if workdir == "" {
		workdir = "/"
	}
	args := append([]string{strconv.Itoa(pid), workdir}, req.Command...)
	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Args[0] = runtime.ExecArg
	cmd.Env = req.Env
	cmd.Stdin = req.Stdin
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExecResult{ExitCode: exitErr.ExitCode()}, nil
		}
		return nil, quilterr.Wrap(quilterr.Internal, "api.execInContainer", "run exec shim", err)
	}
	return &ExecResult{ExitCode: 0}, nil
}
