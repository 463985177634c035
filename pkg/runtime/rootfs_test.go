package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssembleRootfsCopiesTreeAndSymlinks(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "rootfs")

	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Symlink("sh", filepath.Join(src, "bin", "ash")))

	require.NoError(t, assembleRootfs(context.Background(), src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "bin", "sh"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\n", string(data))

	link, err := os.Readlink(filepath.Join(dst, "bin", "ash"))
	require.NoError(t, err)
	require.Equal(t, "sh", link)
}

func TestAssembleRootfsPreservesExecuteBit(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "rootfs")

	require.NoError(t, os.WriteFile(filepath.Join(src, "entrypoint"), []byte("x"), 0o755))
	require.NoError(t, assembleRootfs(context.Background(), src, dst))

	info, err := os.Stat(filepath.Join(dst, "entrypoint"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
