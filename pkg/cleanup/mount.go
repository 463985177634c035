package cleanup

import (
	"syscall"

	"github.com/cuemby/quilt/internal/quilterr"
)

// unmountDetach lazily unmounts path: the mount is detached from the
// namespace immediately, and torn down once nothing references it anymore.
// Lazy unmount tolerates a straggling process with the mount still open,
// which a plain unmount would refuse with EBUSY.
func unmountDetach(path string) error {
	if err := syscall.Unmount(path, syscall.MNT_DETACH); err != nil {
		if err == syscall.EINVAL || err == syscall.ENOENT {
			// Not a mountpoint (already gone): nothing to do.
			return nil
		}
		return quilterr.Wrap(quilterr.IoError, "cleanup.unmountDetach", path, err)
	}
	return nil
}
