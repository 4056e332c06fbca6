package sqlite

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func newRun(t *testing.T, b *Backend, experimentKey string) *types.RunRecord {
	t.Helper()
	ctx := context.Background()
	if _, err := b.LatestVersion(ctx, "mnist"); err != nil {
		materialized(t, b, "mnist")
	}
	run, err := b.CreateRun(ctx, NewRun{ExperimentKey: experimentKey, DataKey: "mnist"})
	require.NoError(t, err)
	return run
}

func strPtr(s string) *string { return &s }

func TestAppendAndListResults(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	run := newRun(t, b, "exp")

	r0, err := b.AppendResult(ctx, run.RunID, 0, json.RawMessage(`{"loss":1.5}`), strPtr("models/exp_1/exp_1_0.ckpt"))
	require.NoError(t, err)
	assert.True(t, r0.HasArtifact())

	r1, err := b.AppendResult(ctx, run.RunID, 1, nil, nil)
	require.NoError(t, err)
	assert.False(t, r1.HasArtifact())

	results, err := b.ListResults(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `{"loss":1.5}`, string(results[0].Payload))
	assert.JSONEq(t, `{}`, string(results[1].Payload))
	assert.Nil(t, results[1].ArtifactPath)
}

func TestAppendResultValidation(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	run := newRun(t, b, "exp")

	_, err := b.AppendResult(ctx, run.RunID, -1, nil, nil)
	assert.ErrorIs(t, err, types.ErrIntegrity)

	_, err = b.AppendResult(ctx, run.RunID, 0, json.RawMessage(`{`), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParams)

	_, err = b.AppendResult(ctx, 999, 0, nil, nil)
	assert.ErrorIs(t, err, types.ErrIntegrity)
}

func TestLatestCheckpointOrdering(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	run := newRun(t, b, "exp")

	_, err := b.LatestCheckpoint(ctx, run.RunID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = b.AppendResult(ctx, run.RunID, 0, nil, strPtr("e0.ckpt"))
	require.NoError(t, err)
	_, err = b.AppendResult(ctx, run.RunID, 2, nil, strPtr("e2-first.ckpt"))
	require.NoError(t, err)
	_, err = b.AppendResult(ctx, run.RunID, 2, nil, strPtr("e2-second.ckpt"))
	require.NoError(t, err)
	_, err = b.AppendResult(ctx, run.RunID, 3, nil, nil)
	require.NoError(t, err)
	_, err = b.AppendResult(ctx, run.RunID, 1, nil, strPtr("e1.ckpt"))
	require.NoError(t, err)

	got, err := b.LatestCheckpoint(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "e2-second.ckpt", *got.ArtifactPath)
}

func TestListCheckpoints(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	a := newRun(t, b, "a")
	z := newRun(t, b, "z")

	_, err := b.AppendResult(ctx, z.RunID, 0, nil, strPtr("z0"))
	require.NoError(t, err)
	_, err = b.AppendResult(ctx, a.RunID, 1, nil, strPtr("a1"))
	require.NoError(t, err)
	_, err = b.AppendResult(ctx, a.RunID, 0, nil, strPtr("a0"))
	require.NoError(t, err)
	_, err = b.AppendResult(ctx, a.RunID, 2, nil, nil)
	require.NoError(t, err)

	all, err := b.ListCheckpoints(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a0", "a1", "z0"}, []string{*all[0].ArtifactPath, *all[1].ArtifactPath, *all[2].ArtifactPath})
	assert.Equal(t, "z", all[2].ExperimentKey)

	onlyZ, err := b.ListCheckpoints(ctx, "z")
	require.NoError(t, err)
	assert.Len(t, onlyZ, 1)
}

func TestDeleteResult(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	run := newRun(t, b, "exp")
	r, err := b.AppendResult(ctx, run.RunID, 0, nil, strPtr("x"))
	require.NoError(t, err)

	require.NoError(t, b.DeleteResult(ctx, r.ResultID))
	assert.ErrorIs(t, b.DeleteResult(ctx, r.ResultID), types.ErrNotFound)
}
