package api

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/runtime"
)

// LogLine is one line Logs emits, tagged with which stream it came from.
type LogLine struct {
	Stream string // "stdout" or "stderr"
	Text   string
}

// Logs streams a container's persisted stdout/stderr to out. When follow
// is false it reads to EOF and returns; when true it keeps polling for new
// data (since the log files are plain append-only files, not pipes) until
// ctx is cancelled.
func (s *Server) Logs(ctx context.Context, idOrName string, follow bool, out chan<- LogLine) error {
	c, err := s.engine.Status(ctx, idOrName)
	if err != nil {
		return err
	}
	stdoutPath, stderrPath := runtime.LogPaths(s.containersDir, c.ID)

	errCh := make(chan error, 2)
	go func() { errCh <- streamFile(ctx, stdoutPath, "stdout", follow, out) }()
	go func() { errCh <- streamFile(ctx, stderrPath, "stderr", follow, out) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func streamFile(ctx context.Context, path, stream string, follow bool, out chan<- LogLine) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing written to this stream yet
		}
		return quilterr.Wrap(quilterr.IoError, "api.streamFile", "open "+stream+" log", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			select {
			case out <- LogLine{Stream: stream, Text: line}:
			case <-ctx.Done():
				return nil
			}
		}
		if err == io.EOF {
			if !follow {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return quilterr.Wrap(quilterr.IoError, "api.streamFile", "read "+stream+" log", err)
		}
	}
}
