package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mesh-intelligence/projectkit/internal/digest"
	"github.com/mesh-intelligence/projectkit/internal/fsutil"
	"github.com/mesh-intelligence/projectkit/internal/observe"
	"github.com/mesh-intelligence/projectkit/internal/paths"
	"github.com/mesh-intelligence/projectkit/internal/routine"
	"github.com/mesh-intelligence/projectkit/internal/sqlite"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Options configures a Recorder.
type Options struct {
	Store       Store
	Snapshotter Snapshotter
	Layout      paths.Layout
	Hasher      *digest.Hasher
	Observer    *observe.Observer
}

// Recorder writes lineage: runs bound to their inputs, per-epoch results,
// and dataset versions bound to the generator code that made them.
type Recorder struct {
	store  Store
	snap   Snapshotter
	layout paths.Layout
	hasher *digest.Hasher
	obs    *observe.Observer
}

// NewRecorder creates a Recorder. A nil Hasher or Observer gets a default.
func NewRecorder(opts Options) *Recorder {
	r := &Recorder{
		store:  opts.Store,
		snap:   opts.Snapshotter,
		layout: opts.Layout,
		hasher: opts.Hasher,
		obs:    opts.Observer,
	}
	if r.hasher == nil {
		r.hasher = digest.New(digest.DefaultChunkSize)
	}
	if r.obs == nil {
		r.obs = observe.Nop()
	}
	return r
}

// RunRequest starts a run of ExperimentKey on the latest version of DataKey.
type RunRequest struct {
	ExperimentKey       string
	LogicalExperimentID string
	DataKey             string
	// CodeDir defaults to the experiment's directory under src/.
	CodeDir string
	Params  types.Params
}

// RunHandle is a started run.
type RunHandle struct {
	Run *types.RunRecord
	// DataPath is the absolute path of the consumed dataset file.
	DataPath string
	// CodeChanged reports whether the run's code differs from the
	// previous run of the same experiment key.
	CodeChanged bool

	layout paths.Layout
	// saved counts checkpoints written per epoch number.
	saved map[int]int
}

// RunID returns the store-assigned run id.
func (h *RunHandle) RunID() int64 { return h.Run.RunID }

// CheckpointPath returns the stored path the first checkpoint of epoch is
// saved to. A run that reports the same epoch again saves to
// paths.RepeatCheckpointPath.
func (h *RunHandle) CheckpointPath(epoch int) string {
	return paths.CheckpointPath(h.Run.ExperimentKey, h.Run.RunID, epoch)
}

// nextCheckpoint reserves a stored path for another checkpoint of epoch,
// skipping any name already taken on disk.
func (h *RunHandle) nextCheckpoint(epoch int) string {
	if h.saved == nil {
		h.saved = map[int]int{}
	}
	for {
		h.saved[epoch]++
		stored := paths.RepeatCheckpointPath(h.Run.ExperimentKey, h.Run.RunID, epoch, h.saved[epoch])
		if !fsutil.Exists(h.layout.Abs(stored)) {
			return stored
		}
	}
}

// OutputDir returns the absolute checkpoint directory of the run.
func (h *RunHandle) OutputDir() string {
	return h.layout.Abs(paths.RunDir(h.Run.ExperimentKey, h.Run.RunID))
}

// BeginRun snapshots the experiment code, comparing against the code of the
// previous run of the same key, and records a run bound to that snapshot and
// to the latest materialized version of the data key. A data key with no
// materialized version yields types.ErrUnknownDataKey with no run recorded
// and no snapshot taken.
func (r *Recorder) BeginRun(ctx context.Context, req RunRequest) (*RunHandle, error) {
	ctx, span := r.obs.StartSpan(ctx, "lineage.BeginRun")
	defer span.End()

	if err := types.ValidateKey(req.ExperimentKey); err != nil {
		return nil, err
	}
	if err := types.ValidateKey(req.DataKey); err != nil {
		return nil, err
	}
	codeDir := req.CodeDir
	if codeDir == "" {
		codeDir = r.layout.ExperimentCodeDir(req.ExperimentKey)
	}

	// Resolve before snapshotting so a bad data key leaves no code tag
	// behind. CreateRun resolves again inside its own transaction.
	if _, err := r.store.LatestVersion(ctx, req.DataKey); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w %q", types.ErrUnknownDataKey, req.DataKey)
		}
		return nil, err
	}

	prevTag := 0
	prev, err := r.store.LatestRun(ctx, req.ExperimentKey)
	switch {
	case err == nil:
		prevTag = prev.CodeTag
	case !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	snap, err := r.snap.Snapshot(ctx, codeDir, prevTag)
	if err != nil {
		return nil, err
	}
	r.obs.Log().Info().Str("dir", codeDir).Int("tag", snap.Tag).Msg("code snapshot taken")

	run, err := r.store.CreateRun(ctx, sqlite.NewRun{
		ExperimentKey:       req.ExperimentKey,
		LogicalExperimentID: req.LogicalExperimentID,
		DataKey:             req.DataKey,
		CodeTag:             snap.Tag,
		CodeCommit:          snap.Commit,
		Params:              req.Params,
	})
	if err != nil {
		return nil, err
	}
	data, err := r.store.GetVersion(ctx, run.DataKey, run.DataVersion)
	if err != nil {
		return nil, fmt.Errorf("run %d: resolving data: %w", run.RunID, err)
	}

	r.obs.Log().Info().
		Str("experiment", run.ExperimentKey).
		Str("uid", run.UID).
		Str("data", run.DataKey).
		Int("data_version", run.DataVersion).
		Int("code_tag", run.CodeTag).
		Msg("run started")

	return &RunHandle{
		Run:         run,
		DataPath:    r.layout.Abs(data.StoragePath),
		CodeChanged: snap.Changed,
		layout:      r.layout,
	}, nil
}

// RecordEpoch appends one result to the run. When artifactPath is set the
// file must already be durably written.
func (r *Recorder) RecordEpoch(ctx context.Context, h *RunHandle, epoch int, payload json.RawMessage, artifactPath *string) (*types.ResultRecord, error) {
	res, err := r.store.AppendResult(ctx, h.Run.RunID, epoch, payload, artifactPath)
	if err != nil {
		return nil, err
	}
	ev := r.obs.Log().Info().Str("experiment", h.Run.ExperimentKey).Int("epoch", epoch)
	if artifactPath != nil {
		ev = ev.Str("artifact", *artifactPath)
	}
	ev.Msg("epoch recorded")
	return res, nil
}

// Summary describes a finished or aborted run.
type Summary struct {
	Epochs      int
	Checkpoints int
	// LastCheckpoint is the stored path of the last saved checkpoint.
	LastCheckpoint string
}

// Execute drives run to completion. Each epoch's model, when present, is
// written atomically to its own checkpoint file before the epoch is
// recorded; a repeated epoch number never overwrites an earlier file. An error stops the run; epochs already recorded are kept.
func (r *Recorder) Execute(ctx context.Context, h *RunHandle, run routine.Run) (Summary, error) {
	ctx, span := r.obs.StartSpan(ctx, "lineage.Execute")
	defer span.End()
	defer run.Close()

	var sum Summary
	if err := os.MkdirAll(h.OutputDir(), 0o755); err != nil {
		return sum, fmt.Errorf("%w: %w", types.ErrIO, err)
	}
	for {
		e, ok, err := run.Next(ctx)
		if err != nil {
			return sum, fmt.Errorf("run %d after %d epochs: %w", h.Run.RunID, sum.Epochs, err)
		}
		if !ok {
			break
		}

		var artifact *string
		if e.Model != nil {
			stored := h.nextCheckpoint(e.Epoch)
			if err := fsutil.ProduceAtomic(r.layout.Abs(stored), 0o644, e.Model.Save); err != nil {
				return sum, fmt.Errorf("run %d epoch %d: saving model: %w", h.Run.RunID, e.Epoch, err)
			}
			artifact = &stored
		}
		if _, err := r.RecordEpoch(ctx, h, e.Epoch, e.Stats, artifact); err != nil {
			return sum, fmt.Errorf("run %d epoch %d: %w", h.Run.RunID, e.Epoch, err)
		}
		sum.Epochs++
		if artifact != nil {
			sum.Checkpoints++
			sum.LastCheckpoint = *artifact
		}
	}
	return sum, nil
}
