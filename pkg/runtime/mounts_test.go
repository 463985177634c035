package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/quilt/pkg/types"
)

func TestValidateMountsRejectsTraversal(t *testing.T) {
	err := validateMounts([]types.Mount{
		{Kind: types.MountBind, Source: "/var/lib/quilt/data", Target: "/data/../../etc"},
	})
	assert.Error(t, err)
}

func TestValidateMountsRejectsShadowedTarget(t *testing.T) {
	for _, target := range []string{"/", "/etc", "/proc", "/sys", "/dev"} {
		err := validateMounts([]types.Mount{
			{Kind: types.MountBind, Source: "/var/lib/quilt/data", Target: target},
		})
		assert.Errorf(t, err, "target %q should be rejected", target)
	}
}

func TestValidateMountsRejectsForbiddenBindSource(t *testing.T) {
	err := validateMounts([]types.Mount{
		{Kind: types.MountBind, Source: "/etc/shadow", Target: "/data/shadow"},
	})
	assert.Error(t, err)
}

func TestValidateMountsRejectsNegativeTmpfsSize(t *testing.T) {
	err := validateMounts([]types.Mount{
		{Kind: types.MountTmpfs, Target: "/tmp", SizeMB: -1},
	})
	assert.Error(t, err)
}

func TestValidateMountsAcceptsOrdinaryMounts(t *testing.T) {
	err := validateMounts([]types.Mount{
		{Kind: types.MountBind, Source: "/var/lib/quilt/volumes/data", Target: "/data"},
		{Kind: types.MountTmpfs, Target: "/tmp", SizeMB: 64},
		{Kind: types.MountVolume, Source: "cache", Target: "/cache"},
	})
	assert.NoError(t, err)
}
