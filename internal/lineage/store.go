// Package lineage resolves the latest artifacts of a key and records which
// data version and code snapshot every run and dataset came from.
package lineage

import (
	"context"
	"encoding/json"

	"github.com/mesh-intelligence/projectkit/internal/snapshot"
	"github.com/mesh-intelligence/projectkit/internal/sqlite"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Store is the part of the metadata store lineage needs.
type Store interface {
	AllocateVersion(ctx context.Context, req sqlite.AllocateRequest) (*types.ArtifactVersion, error)
	MaterializeVersion(ctx context.Context, key string, version int, contentHash string) error
	DiscardVersion(ctx context.Context, key string, version int) error
	GetVersion(ctx context.Context, key string, version int) (*types.ArtifactVersion, error)
	LatestVersion(ctx context.Context, key string) (*types.ArtifactVersion, error)

	CreateRun(ctx context.Context, req sqlite.NewRun) (*types.RunRecord, error)
	LatestRun(ctx context.Context, experimentKey string) (*types.RunRecord, error)
	AppendResult(ctx context.Context, runID int64, epoch int, payload json.RawMessage, artifactPath *string) (*types.ResultRecord, error)
	LatestCheckpoint(ctx context.Context, runID int64) (*types.ResultRecord, error)
}

// Snapshotter captures code directories.
type Snapshotter interface {
	Snapshot(ctx context.Context, dir string, previousTag int) (snapshot.Result, error)
}

var _ Store = (*sqlite.Backend)(nil)
var _ Snapshotter = (*snapshot.Snapshotter)(nil)
