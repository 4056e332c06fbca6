package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func TestCreateRunBindsLatestMaterializedData(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	materialized(t, b, "mnist")
	latest := materialized(t, b, "mnist")
	_, err := b.AllocateVersion(ctx, AllocateRequest{Key: "mnist", StoragePath: dataPath("mnist")})
	require.NoError(t, err)

	run, err := b.CreateRun(ctx, NewRun{
		ExperimentKey: "exp",
		DataKey:       "mnist",
		CodeTag:       2,
		CodeCommit:    "deadbeef",
		Params:        types.NewParams("lr", "0.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, latest.Version, run.DataVersion)
	assert.Equal(t, "exp", run.LogicalExperimentID)
	_, err = uuid.Parse(run.UID)
	assert.NoError(t, err)

	got, err := b.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.UID, got.UID)
	assert.Equal(t, 2, got.CodeTag)
	assert.True(t, got.Params.Equal(types.NewParams("lr", "0.1")))
}

func TestCreateRunUnknownDataKey(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	_, err := b.AllocateVersion(ctx, AllocateRequest{Key: "pending", StoragePath: dataPath("pending")})
	require.NoError(t, err)

	for _, key := range []string{"absent", "pending"} {
		_, err := b.CreateRun(ctx, NewRun{ExperimentKey: "exp", DataKey: key})
		assert.ErrorIs(t, err, types.ErrUnknownDataKey)
		assert.ErrorIs(t, err, types.ErrNotFound)
	}

	runs, err := b.ListRuns(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLatestRun(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	materialized(t, b, "mnist")

	_, err := b.LatestRun(ctx, "exp")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = b.CreateRun(ctx, NewRun{ExperimentKey: "exp", LogicalExperimentID: "sweep", DataKey: "mnist"})
	require.NoError(t, err)
	second, err := b.CreateRun(ctx, NewRun{ExperimentKey: "exp", DataKey: "mnist"})
	require.NoError(t, err)
	_, err = b.CreateRun(ctx, NewRun{ExperimentKey: "other", DataKey: "mnist"})
	require.NoError(t, err)

	latest, err := b.LatestRun(ctx, "exp")
	require.NoError(t, err)
	assert.Equal(t, second.RunID, latest.RunID)

	runs, err := b.ListRuns(ctx, "exp")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "sweep", runs[0].LogicalExperimentID)
}

func TestGetRunMissing(t *testing.T) {
	_, err := setupBackend(t).GetRun(context.Background(), 99)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
