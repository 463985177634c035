package runtime

import (
	"path/filepath"
	"strings"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/types"
)

// forbiddenSources may never serve as a bind mount's source; a container
// that could bind-mount these could read or forge host credentials.
var forbiddenSources = []string{"/proc", "/sys", "/etc/shadow", "/etc/passwd"}

// shadowedTargets are paths inside the rootfs a mount may never land on,
// since doing so would shadow a directory the init shim itself depends on.
var shadowedTargets = []string{"/", "/etc", "/proc", "/sys", "/dev"}

// validateMounts rejects path traversal and any mount that would shadow a
// container-critical directory. It is checked once, before rootfs
// assembly begins, so a bad request never leaves partial state behind.
func validateMounts(mounts []types.Mount) error {
	for _, m := range mounts {
		if strings.Contains(m.Target, "..") || strings.Contains(m.Source, "..") {
			return quilterr.New(quilterr.InvalidArgument, "runtime.validateMounts", "path traversal in mount: "+m.Target)
		}

		target := filepath.Clean(m.Target)
		for _, shadowed := range shadowedTargets {
			if target == shadowed {
				return quilterr.New(quilterr.InvalidArgument, "runtime.validateMounts", "mount target shadows container directory: "+m.Target)
			}
		}

		if m.Kind == types.MountBind {
			source := filepath.Clean(m.Source)
			for _, forbidden := range forbiddenSources {
				if source == forbidden || strings.HasPrefix(source, forbidden+"/") {
					return quilterr.New(quilterr.InvalidArgument, "runtime.validateMounts", "mount source is forbidden: "+m.Source)
				}
			}
		}

		if m.Kind == types.MountTmpfs && m.SizeMB < 0 {
			return quilterr.New(quilterr.InvalidArgument, "runtime.validateMounts", "negative tmpfs size")
		}
	}
	return nil
}
