package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func storeConfig(t *testing.T) types.StoreConfig {
	t.Helper()
	return types.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "db", "experiments.db"),
		LockTimeout: 5 * time.Second,
	}
}

// setupBackend attaches a backend on a fresh database file.
func setupBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(storeConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Detach() })
	return b
}

func dataPath(key string) func(int) string {
	return func(v int) string { return fmt.Sprintf("data/%s.v%d.data", key, v) }
}

// materialized allocates and materializes the next version of key.
func materialized(t *testing.T, b *Backend, key string) *types.ArtifactVersion {
	t.Helper()
	ctx := context.Background()
	v, err := b.AllocateVersion(ctx, AllocateRequest{Key: key, StoragePath: dataPath(key), CodeTag: 1, CodeCommit: "c1"})
	require.NoError(t, err)
	hash := fmt.Sprintf("%064d", v.Version)
	require.NoError(t, b.MaterializeVersion(ctx, key, v.Version, hash))
	v.ContentHash = hash
	return v
}

func TestBackendAttachCreatesFile(t *testing.T) {
	cfg := storeConfig(t)
	b := NewBackend()
	require.NoError(t, b.Attach(cfg))

	_, err := os.Stat(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Path, b.Path())

	assert.ErrorIs(t, b.Attach(cfg), types.ErrAlreadyAttached)
	require.NoError(t, b.Detach())
}

func TestBackendDetachIsIdempotent(t *testing.T) {
	b, err := Open(storeConfig(t))
	require.NoError(t, err)

	require.NoError(t, b.Detach())
	require.NoError(t, b.Detach())

	_, err = b.LatestVersion(context.Background(), "mnist")
	assert.ErrorIs(t, err, types.ErrStoreDetached)
}

func TestBackendReattachKeepsData(t *testing.T) {
	cfg := storeConfig(t)
	b, err := Open(cfg)
	require.NoError(t, err)
	materialized(t, b, "mnist")
	require.NoError(t, b.Detach())

	b2, err := Open(cfg)
	require.NoError(t, err)
	defer b2.Detach()

	v, err := b2.LatestVersion(context.Background(), "mnist")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
}

func TestBackendSchemaVersion(t *testing.T) {
	b := setupBackend(t)
	var version int
	require.NoError(t, b.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var fk int
	require.NoError(t, b.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestRunsAndResultsAreImmutable(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	materialized(t, b, "mnist")
	run, err := b.CreateRun(ctx, NewRun{ExperimentKey: "exp", DataKey: "mnist"})
	require.NoError(t, err)
	res, err := b.AppendResult(ctx, run.RunID, 0, nil, nil)
	require.NoError(t, err)

	_, err = b.db.Exec("UPDATE runs SET experiment_key = 'other' WHERE run_id = ?", run.RunID)
	assert.ErrorIs(t, classify(err), types.ErrIntegrity)

	_, err = b.db.Exec("UPDATE results SET epoch = 5 WHERE result_id = ?", res.ResultID)
	assert.ErrorIs(t, classify(err), types.ErrIntegrity)
}

func TestMaterializedVersionIsWriteOnce(t *testing.T) {
	b := setupBackend(t)
	v := materialized(t, b, "mnist")

	_, err := b.db.Exec("UPDATE artifact_versions SET content_hash = 'x' WHERE id = ?", v.ID)
	assert.ErrorIs(t, classify(err), types.ErrIntegrity)
}

func TestConcurrentAllocationAcrossConnections(t *testing.T) {
	cfg := storeConfig(t)
	const writers = 4
	const perWriter = 5

	backends := make([]*Backend, writers)
	for i := range backends {
		b, err := Open(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { b.Detach() })
		backends[i] = b
	}

	var (
		mu       sync.Mutex
		versions []int
		wg       sync.WaitGroup
	)
	errs := make(chan error, writers*perWriter)
	for _, b := range backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				v, err := b.AllocateVersion(context.Background(), AllocateRequest{Key: "shared", StoragePath: dataPath("shared")})
				if err != nil {
					errs <- err
					continue
				}
				mu.Lock()
				versions = append(versions, v.Version)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, versions, writers*perWriter)
	seen := map[int]bool{}
	for _, v := range versions {
		assert.False(t, seen[v], "version %d allocated twice", v)
		seen[v] = true
	}
	for v := 1; v <= writers*perWriter; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}
}
