package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

const versionColumns = `id, key, version, storage_path, content_hash, code_tag, code_commit, params, created_at`

// AllocateRequest describes a new pending artifact version.
type AllocateRequest struct {
	Key string
	// StoragePath maps the allocated version number to where its file will
	// be written.
	StoragePath func(version int) string
	CodeTag     int
	CodeCommit  string
	Params      types.Params
}

// AllocateVersion reserves the next version of req.Key and records it as
// pending. Concurrent callers never receive the same number: the read of the
// current maximum and the insert run in one write transaction, and a
// uniqueness collision surfaces as ErrConcurrency.
func (b *Backend) AllocateVersion(ctx context.Context, req AllocateRequest) (*types.ArtifactVersion, error) {
	if err := types.ValidateKey(req.Key); err != nil {
		return nil, err
	}
	if req.StoragePath == nil {
		return nil, fmt.Errorf("allocating %s: no storage path", req.Key)
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	v := &types.ArtifactVersion{
		Key:        req.Key,
		CodeTag:    req.CodeTag,
		CodeCommit: req.CodeCommit,
		Params:     req.Params,
		CreatedAt:  b.now().UTC(),
	}
	err = b.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version), 0) FROM artifact_versions WHERE key = ?", req.Key,
		).Scan(&current); err != nil {
			return classify(err)
		}
		v.Version = current + 1
		v.StoragePath = req.StoragePath(v.Version)

		res, err := tx.ExecContext(ctx,
			`INSERT INTO artifact_versions (key, version, storage_path, content_hash, code_tag, code_commit, params, created_at)
			 VALUES (?, ?, ?, '', ?, ?, ?, ?)`,
			v.Key, v.Version, v.StoragePath, v.CodeTag, v.CodeCommit, string(params), formatTime(v.CreatedAt),
		)
		if err != nil {
			return classify(err)
		}
		v.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("allocating version of %s: %w", req.Key, err)
	}
	return v, nil
}

// MaterializeVersion records the content hash of a written artifact file,
// turning a pending version into a resolvable one. A version is
// materialized at most once.
func (b *Backend) MaterializeVersion(ctx context.Context, key string, version int, contentHash string) error {
	if contentHash == "" {
		return fmt.Errorf("materializing %s v%d: empty content hash", key, version)
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE artifact_versions SET content_hash = ? WHERE key = ? AND version = ? AND content_hash = ''",
			contentHash, key, version,
		)
		if err != nil {
			return fmt.Errorf("materializing %s v%d: %w", key, version, classify(err))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		if _, err := getVersion(ctx, tx, key, version); err != nil {
			return fmt.Errorf("materializing %s v%d: %w", key, version, err)
		}
		return fmt.Errorf("materializing %s v%d: already materialized: %w", key, version, types.ErrIntegrity)
	})
}

// DiscardVersion removes a pending version whose file was never produced.
// Materialized versions are refused. Discarding below a higher allocation
// leaves a gap in the numbering; allocation always continues after the
// highest number, so a gap is never refilled and a higher number is always
// the newer version.
func (b *Backend) DiscardVersion(ctx context.Context, key string, version int) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		v, err := getVersion(ctx, tx, key, version)
		if err != nil {
			return fmt.Errorf("discarding %s v%d: %w", key, version, err)
		}
		if v.Materialized() {
			return fmt.Errorf("discarding %s v%d: version is materialized: %w", key, version, types.ErrIntegrity)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM artifact_versions WHERE key = ? AND version = ? AND content_hash = ''", key, version,
		); err != nil {
			return fmt.Errorf("discarding %s v%d: %w", key, version, classify(err))
		}
		return nil
	})
}

// GetVersion returns one version, pending or materialized.
func (b *Backend) GetVersion(ctx context.Context, key string, version int) (*types.ArtifactVersion, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	v, err := getVersion(ctx, db, key, version)
	if err != nil {
		return nil, fmt.Errorf("getting %s v%d: %w", key, version, err)
	}
	return v, nil
}

// LatestVersion returns the highest materialized version of key, or
// ErrNotFound. Pending versions are never returned.
func (b *Backend) LatestVersion(ctx context.Context, key string) (*types.ArtifactVersion, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	v, err := latestVersion(ctx, db, key)
	if err != nil {
		return nil, fmt.Errorf("latest version of %s: %w", key, err)
	}
	return v, nil
}

// ListVersions returns every version of key, or of all keys when key is
// empty, ordered by key and then version.
func (b *Backend) ListVersions(ctx context.Context, key string) ([]types.ArtifactVersion, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	query := "SELECT " + versionColumns + " FROM artifact_versions"
	var args []any
	if key != "" {
		query += " WHERE key = ?"
		args = append(args, key)
	}
	query += " ORDER BY key, version"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", classify(err))
	}
	defer rows.Close()

	var out []types.ArtifactVersion
	for rows.Next() {
		v, err := hydrateVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("listing versions: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// VersionReferenced reports whether any run consumed key at version.
func (b *Backend) VersionReferenced(ctx context.Context, key string, version int) (bool, error) {
	db, err := b.handle()
	if err != nil {
		return false, err
	}
	var ref bool
	if err := db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM runs WHERE data_key = ? AND data_version = ?)", key, version,
	).Scan(&ref); err != nil {
		return false, fmt.Errorf("checking references to %s v%d: %w", key, version, classify(err))
	}
	return ref, nil
}

// DeleteVersion removes a superseded version. The latest materialized
// version and versions consumed by a run are refused with ErrIntegrity.
func (b *Backend) DeleteVersion(ctx context.Context, key string, version int) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getVersion(ctx, tx, key, version); err != nil {
			return fmt.Errorf("deleting %s v%d: %w", key, version, err)
		}
		latest, err := latestVersion(ctx, tx, key)
		switch {
		case err == nil && latest.Version == version:
			return fmt.Errorf("deleting %s v%d: latest version: %w", key, version, types.ErrIntegrity)
		case err != nil && !errors.Is(err, types.ErrNotFound):
			return fmt.Errorf("deleting %s v%d: %w", key, version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM artifact_versions WHERE key = ? AND version = ?", key, version,
		); err != nil {
			return fmt.Errorf("deleting %s v%d: %w", key, version, classify(err))
		}
		return nil
	})
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func getVersion(ctx context.Context, q querier, key string, version int) (*types.ArtifactVersion, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM artifact_versions WHERE key = ? AND version = ?", key, version)
	v, err := hydrateVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return v, err
}

func latestVersion(ctx context.Context, q querier, key string) (*types.ArtifactVersion, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM artifact_versions WHERE key = ? AND content_hash <> '' ORDER BY version DESC LIMIT 1",
		key)
	v, err := hydrateVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return v, err
}

func hydrateVersion(row scanner) (*types.ArtifactVersion, error) {
	var (
		v         types.ArtifactVersion
		params    string
		createdAt string
	)
	if err := row.Scan(&v.ID, &v.Key, &v.Version, &v.StoragePath, &v.ContentHash,
		&v.CodeTag, &v.CodeCommit, &params, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify(err)
	}
	if err := json.Unmarshal([]byte(params), &v.Params); err != nil {
		return nil, fmt.Errorf("decoding params of %s v%d: %w", v.Key, v.Version, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("decoding created_at of %s v%d: %w", v.Key, v.Version, err)
	}
	v.CreatedAt = t
	return &v, nil
}
