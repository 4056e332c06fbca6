package lineage

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Resolver answers "what is the latest artifact for this key".
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver reading from store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Latest returns the stored locator of the newest artifact of kind for key.
//
// For data it is the storage path of the highest materialized version. For
// models it is the checkpoint with the highest epoch, ties broken by
// insertion, of the most recent run of the experiment key; an earlier run's
// checkpoint is never substituted when the latest run saved none. Absence is
// reported as found == false with a nil error.
func (r *Resolver) Latest(ctx context.Context, kind types.Kind, key string) (string, bool, error) {
	switch kind {
	case types.KindData:
		v, err := r.store.LatestVersion(ctx, key)
		if errors.Is(err, types.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return v.StoragePath, true, nil

	case types.KindModel:
		run, err := r.store.LatestRun(ctx, key)
		if errors.Is(err, types.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		res, err := r.store.LatestCheckpoint(ctx, run.RunID)
		if errors.Is(err, types.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return *res.ArtifactPath, true, nil
	}
	return "", false, fmt.Errorf("%w %q", types.ErrInvalidKind, kind)
}
