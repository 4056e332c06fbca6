package lineage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/projectkit/internal/fsutil"
	"github.com/mesh-intelligence/projectkit/internal/paths"
	"github.com/mesh-intelligence/projectkit/internal/routine"
	"github.com/mesh-intelligence/projectkit/internal/snapshot"
	"github.com/mesh-intelligence/projectkit/internal/sqlite"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// maxAllocateAttempts bounds retries of a version allocation that lost a race.
const maxAllocateAttempts = 3

// GenerateRequest produces a new version of DataKey from InputPath.
type GenerateRequest struct {
	InputPath string
	DataKey   string
	Generator routine.Generator
	// CodeDir defaults to the data key's directory under data/.
	CodeDir string
	Params  types.Params
	Sink    routine.Sink
}

// GenerateResult reports the version that now holds the generated data.
type GenerateResult struct {
	Version *types.ArtifactVersion
	// Deduplicated is set when the output matched the latest version
	// byte for byte with the same code and params; that version is
	// returned and nothing new is recorded.
	Deduplicated bool
	Snapshot     snapshot.Result
}

// Generate snapshots the generator code, allocates the next version of the
// data key, runs the generator into the version's storage path and records
// the file's content hash. A failed generator leaves neither a file nor a
// version row behind.
func (r *Recorder) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	ctx, span := r.obs.StartSpan(ctx, "lineage.Generate")
	defer span.End()

	var res GenerateResult
	if err := types.ValidateKey(req.DataKey); err != nil {
		return res, err
	}
	if req.Generator == nil {
		return res, fmt.Errorf("%w: no generator for %s", types.ErrUnknownRoutine, req.DataKey)
	}
	if _, err := os.Stat(req.InputPath); err != nil {
		return res, fmt.Errorf("%w: input: %w", types.ErrIO, err)
	}
	codeDir := req.CodeDir
	if codeDir == "" {
		codeDir = r.layout.DataCodeDir(req.DataKey)
	}
	if err := os.MkdirAll(codeDir, 0o755); err != nil {
		return res, fmt.Errorf("%w: %w", types.ErrIO, err)
	}

	prev, err := r.store.LatestVersion(ctx, req.DataKey)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return res, err
	}
	prevTag := 0
	if prev != nil {
		prevTag = prev.CodeTag
	}

	snap, err := r.snap.Snapshot(ctx, codeDir, prevTag)
	if err != nil {
		return res, err
	}
	res.Snapshot = snap

	v, err := r.allocate(ctx, sqlite.AllocateRequest{
		Key:         req.DataKey,
		StoragePath: func(version int) string { return paths.DatasetPath(req.DataKey, version) },
		CodeTag:     snap.Tag,
		CodeCommit:  snap.Commit,
		Params:      req.Params,
	})
	if err != nil {
		return res, err
	}
	r.obs.Log().Info().Str("key", v.Key).Int("version", v.Version).Msg("version allocated")

	out := r.layout.Abs(v.StoragePath)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return res, r.abandon(ctx, v, out, fmt.Errorf("%w: %w", types.ErrIO, err))
	}
	if err := req.Generator.Generate(ctx, routine.GenerateRequest{
		InputPath:  req.InputPath,
		OutputPath: out,
		Params:     req.Params,
		Sink:       req.Sink,
	}); err != nil {
		return res, r.abandon(ctx, v, out, fmt.Errorf("generating %s v%d: %w", v.Key, v.Version, err))
	}
	if !fsutil.Exists(out) {
		return res, r.abandon(ctx, v, out, fmt.Errorf("%w: generator wrote nothing to %s", types.ErrIO, v.StoragePath))
	}
	hash, err := r.hasher.HashFile(out)
	if err != nil {
		return res, r.abandon(ctx, v, out, err)
	}

	if prev != nil && prev.ContentHash == hash && prev.CodeTag == snap.Tag && prev.Params.Equal(req.Params) {
		if err := r.abandon(ctx, v, out, nil); err != nil {
			return res, err
		}
		r.obs.Log().Info().Str("key", prev.Key).Int("version", prev.Version).Msg("output unchanged, version reused")
		res.Version = prev
		res.Deduplicated = true
		return res, nil
	}

	if err := r.store.MaterializeVersion(ctx, v.Key, v.Version, hash); err != nil {
		return res, r.abandon(ctx, v, out, err)
	}
	v.ContentHash = hash
	r.obs.Log().Info().Str("key", v.Key).Int("version", v.Version).Str("hash", hash).Msg("version materialized")
	res.Version = v
	return res, nil
}

// allocate retries allocations that collided with a concurrent writer.
func (r *Recorder) allocate(ctx context.Context, req sqlite.AllocateRequest) (*types.ArtifactVersion, error) {
	var err error
	for attempt := 1; attempt <= maxAllocateAttempts; attempt++ {
		var v *types.ArtifactVersion
		v, err = r.store.AllocateVersion(ctx, req)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, types.ErrConcurrency) {
			return nil, err
		}
		r.obs.Log().Warn().Str("key", req.Key).Int("attempt", attempt).Err(err).Msg("version allocation collided")
	}
	return nil, err
}

// abandon removes a pending version and whatever file it may have produced,
// then returns cause joined with any cleanup failure. Cleanup runs even when
// ctx is already cancelled. A concurrent generation may already hold a higher
// number, in which case the discarded one stays a gap.
func (r *Recorder) abandon(ctx context.Context, v *types.ArtifactVersion, file string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if cause != nil {
		errs = append(errs, cause)
	}
	if _, err := fsutil.RemoveIfExists(file); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.DiscardVersion(ctx, v.Key, v.Version); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
