package lineage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/projectkit/internal/routine"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func TestGenerateAllocatesIncreasingVersions(t *testing.T) {
	f := newFixture(t)

	first := f.generate(t, "mnist", "1 2")
	assert.Equal(t, 1, first.Version.Version)
	assert.True(t, first.Version.Materialized())
	assert.Equal(t, 1, first.Snapshot.Tag)
	assert.FileExists(t, f.layout.Abs(first.Version.StoragePath))

	second := f.generate(t, "mnist", "3 4")
	assert.Equal(t, 2, second.Version.Version)
	assert.False(t, second.Deduplicated)
	assert.Equal(t, first.Snapshot.Tag, second.Snapshot.Tag, "generator code did not change")
}

func TestGenerateDeduplicatesIdenticalOutput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.generate(t, "mnist", "1 2")
	again := f.generate(t, "mnist", "1 2")
	assert.True(t, again.Deduplicated)
	assert.Equal(t, first.Version.Version, again.Version.Version)
	assert.NoFileExists(t, f.layout.Abs("data/mnist.v2.data"))

	versions, err := f.store.ListVersions(ctx, "mnist")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	withParams := f.generate(t, "mnist", "1 2", "seed", "7")
	assert.False(t, withParams.Deduplicated, "different params make a new version")
	assert.Equal(t, 2, withParams.Version.Version)
}

func TestGenerateNewCodeMakesNewVersion(t *testing.T) {
	f := newFixture(t)
	first := f.generate(t, "mnist", "1 2")

	f.writeCode(t, f.layout.DataCodeDir("mnist"), "changed generator")
	second := f.generate(t, "mnist", "1 2")
	assert.False(t, second.Deduplicated)
	assert.Equal(t, 2, second.Version.Version)
	assert.Greater(t, second.Snapshot.Tag, first.Snapshot.Tag)
}

func TestGenerateFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.writeInput(t, "in.txt", "1 2")

	_, err := f.recorder.Generate(ctx, GenerateRequest{
		InputPath: in,
		DataKey:   "mnist",
		Generator: routine.Copy{},
	})
	assert.ErrorIs(t, err, routine.ErrNothingGenerated)

	half := routine.GeneratorFunc(func(_ context.Context, req routine.GenerateRequest) error {
		require.NoError(t, os.WriteFile(req.OutputPath, []byte("partial"), 0o644))
		return errors.New("crashed")
	})
	_, err = f.recorder.Generate(ctx, GenerateRequest{InputPath: in, DataKey: "mnist", Generator: half})
	assert.ErrorContains(t, err, "crashed")
	assert.NoFileExists(t, f.layout.Abs("data/mnist.v1.data"))

	silent := routine.GeneratorFunc(func(context.Context, routine.GenerateRequest) error { return nil })
	_, err = f.recorder.Generate(ctx, GenerateRequest{InputPath: in, DataKey: "mnist", Generator: silent})
	assert.ErrorIs(t, err, types.ErrIO)

	versions, err := f.store.ListVersions(ctx, "mnist")
	require.NoError(t, err)
	assert.Empty(t, versions)

	ok := f.generate(t, "mnist", "1 2")
	assert.Equal(t, 1, ok.Version.Version)
}

func TestGenerateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.recorder.Generate(ctx, GenerateRequest{InputPath: "x", DataKey: "../up", Generator: routine.Copy{}})
	assert.ErrorIs(t, err, types.ErrInvalidKey)

	_, err = f.recorder.Generate(ctx, GenerateRequest{InputPath: "absent", DataKey: "mnist", Generator: routine.Copy{}})
	assert.ErrorIs(t, err, types.ErrIO)

	_, err = f.recorder.Generate(ctx, GenerateRequest{InputPath: "absent", DataKey: "mnist"})
	assert.ErrorIs(t, err, types.ErrUnknownRoutine)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.recorder.Check(ctx, "mnist")
	assert.ErrorIs(t, err, types.ErrNotFound)

	res := f.generate(t, "mnist", "1 2")
	got, err := f.recorder.Check(ctx, "mnist")
	require.NoError(t, err)
	assert.True(t, got.Match)
	assert.Equal(t, res.Version.ContentHash, got.Current)

	path := f.layout.Abs(res.Version.StoragePath)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
	got, err = f.recorder.Check(ctx, "mnist")
	require.NoError(t, err)
	assert.False(t, got.Match)

	require.NoError(t, os.Remove(path))
	_, err = f.recorder.Check(ctx, "mnist")
	assert.ErrorIs(t, err, types.ErrIO)
}
