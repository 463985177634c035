package api

import (
	"context"

	"github.com/cuemby/quilt/internal/quilterr"
	"github.com/cuemby/quilt/pkg/types"
)

// ListVolumes returns every known named volume.
func (s *Server) ListVolumes(ctx context.Context) ([]*types.Volume, error) {
	vm := s.engine.Volumes()
	if vm == nil {
		return nil, quilterr.New(quilterr.Internal, "api.ListVolumes", "volume manager not configured")
	}
	return vm.List(ctx)
}

// DeleteVolume removes a named volume's directory and Store row. It does
// not check whether any container mount currently references it — callers
// are expected to stop/remove dependent containers first, matching the
// teacher's "check no tasks using volume" convention pushed up a layer
// since Quilt has no scheduler to enforce it centrally.
func (s *Server) DeleteVolume(ctx context.Context, name string) error {
	vm := s.engine.Volumes()
	if vm == nil {
		return quilterr.New(quilterr.Internal, "api.DeleteVolume", "volume manager not configured")
	}
	return vm.Delete(ctx, name)
}
