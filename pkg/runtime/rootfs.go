package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/quilt/internal/quilterr"
)

// copyWorkers bounds how many files are copied concurrently per rootfs
// assembly. Unpacking a large image is CPU- and syscall-heavy; an unbounded
// walk would starve the goroutines handling unrelated containers.
const copyWorkers = 8

// rootfsPath returns the on-disk location a container's rootfs is
// assembled into.
func rootfsPath(baseDir, id string) string {
	return filepath.Join(baseDir, id, "rootfs")
}

// logsDir returns the on-disk directory holding a container's persisted
// stdout/stderr.
func logsDir(baseDir, id string) string {
	return filepath.Join(baseDir, id, "logs")
}

// openLogFiles creates (or reopens for appending, on a Start-after-Stop
// reuse of the same id) the append-only stdout/stderr files Create wires directly into
// the cloned process's file descriptors.
func openLogFiles(baseDir, id string) (stdout, stderr *os.File, err error) {
	dir := logsDir(baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, quilterr.Wrap(quilterr.IoError, "runtime.openLogFiles", "create logs dir", err)
	}
	stdout, err = os.OpenFile(filepath.Join(dir, "stdout"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, quilterr.Wrap(quilterr.IoError, "runtime.openLogFiles", "open stdout log", err)
	}
	stderr, err = os.OpenFile(filepath.Join(dir, "stderr"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, quilterr.Wrap(quilterr.IoError, "runtime.openLogFiles", "open stderr log", err)
	}
	return stdout, stderr, nil
}

// LogPaths returns the stdout/stderr file paths for id, for callers (the
// API layer's Logs RPC) that need to read them back.
func LogPaths(baseDir, id string) (stdout, stderr string) {
	dir := logsDir(baseDir, id)
	return filepath.Join(dir, "stdout"), filepath.Join(dir, "stderr")
}

// assembleRootfs copies src (a prepared image or template directory) into
// the container's rootfs directory, preserving mode bits and symlinks.
// Regular-file copies are fanned out across a bounded worker pool via
// errgroup so the walk itself stays single-threaded while the I/O overlaps.
func assembleRootfs(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return quilterr.Wrap(quilterr.IoError, "runtime.assembleRootfs", "create rootfs dir", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(copyWorkers)

	walkErr := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			g.Go(func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				return copyFile(path, target, info.Mode())
			})
			return nil
		}
	})
	if walkErr != nil {
		_ = g.Wait()
		return quilterr.Wrap(quilterr.IoError, "runtime.assembleRootfs", "walk source tree", walkErr)
	}
	if err := g.Wait(); err != nil {
		return quilterr.Wrap(quilterr.IoError, "runtime.assembleRootfs", "copy rootfs contents", err)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
