package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

const resultColumns = `result_id, run_id, epoch, artifact_path, payload, created_at`

// AppendResult records one epoch of a run. artifactPath is nil when the epoch
// saved no checkpoint; when set, the file must already be durably written.
func (b *Backend) AppendResult(ctx context.Context, runID int64, epoch int, payload json.RawMessage, artifactPath *string) (*types.ResultRecord, error) {
	if epoch < 0 {
		return nil, fmt.Errorf("recording run %d epoch %d: negative epoch: %w", runID, epoch, types.ErrIntegrity)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("recording run %d epoch %d: payload is not JSON: %w", runID, epoch, types.ErrInvalidParams)
	}
	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	r := &types.ResultRecord{
		RunID:     runID,
		Epoch:     epoch,
		Payload:   payload,
		CreatedAt: b.now().UTC(),
	}
	var path sql.NullString
	if artifactPath != nil && *artifactPath != "" {
		p := *artifactPath
		r.ArtifactPath = &p
		path = sql.NullString{String: p, Valid: true}
	}

	res, err := db.ExecContext(ctx,
		"INSERT INTO results (run_id, epoch, artifact_path, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, epoch, path, string(payload), formatTime(r.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("recording run %d epoch %d: %w", runID, epoch, classify(err))
	}
	if r.ResultID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return r, nil
}

// ListResults returns every result of a run in insertion order.
func (b *Backend) ListResults(ctx context.Context, runID int64) ([]types.ResultRecord, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT "+resultColumns+" FROM results WHERE run_id = ? ORDER BY result_id", runID)
	if err != nil {
		return nil, fmt.Errorf("listing results of run %d: %w", runID, classify(err))
	}
	defer rows.Close()

	var out []types.ResultRecord
	for rows.Next() {
		r, err := hydrateResult(rows)
		if err != nil {
			return nil, fmt.Errorf("listing results of run %d: %w", runID, err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the result of runID with a saved artifact and the
// highest epoch, ties broken by the later insertion, or ErrNotFound.
func (b *Backend) LatestCheckpoint(ctx context.Context, runID int64) (*types.ResultRecord, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	r, err := hydrateResult(db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM results
		 WHERE run_id = ? AND artifact_path IS NOT NULL AND artifact_path <> ''
		 ORDER BY epoch DESC, result_id DESC LIMIT 1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint of run %d: %w", runID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint of run %d: %w", runID, err)
	}
	return r, nil
}

// ListCheckpoints returns every result carrying an artifact, joined with its
// run's experiment key, for experimentKey or for all keys when it is empty.
// Rows are ordered by experiment key, run id, epoch and result id.
func (b *Backend) ListCheckpoints(ctx context.Context, experimentKey string) ([]types.Checkpoint, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	query := `SELECT r.result_id, r.run_id, r.epoch, r.artifact_path, r.payload, r.created_at, u.experiment_key
		 FROM results r JOIN runs u ON u.run_id = r.run_id
		 WHERE r.artifact_path IS NOT NULL AND r.artifact_path <> ''`
	var args []any
	if experimentKey != "" {
		query += " AND u.experiment_key = ?"
		args = append(args, experimentKey)
	}
	query += " ORDER BY u.experiment_key, r.run_id, r.epoch, r.result_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", classify(err))
	}
	defer rows.Close()

	var out []types.Checkpoint
	for rows.Next() {
		var (
			c         types.Checkpoint
			path      sql.NullString
			payload   string
			createdAt string
		)
		if err := rows.Scan(&c.ResultID, &c.RunID, &c.Epoch, &path, &payload, &createdAt, &c.ExperimentKey); err != nil {
			return nil, fmt.Errorf("listing checkpoints: %w", classify(err))
		}
		if err := fillResult(&c.ResultRecord, path, payload, createdAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteResult removes one result row.
func (b *Backend) DeleteResult(ctx context.Context, resultID int64) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, "DELETE FROM results WHERE result_id = ?", resultID)
	if err != nil {
		return fmt.Errorf("deleting result %d: %w", resultID, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("result %d: %w", resultID, types.ErrNotFound)
	}
	return nil
}

func hydrateResult(row scanner) (*types.ResultRecord, error) {
	var (
		r         types.ResultRecord
		path      sql.NullString
		payload   string
		createdAt string
	)
	if err := row.Scan(&r.ResultID, &r.RunID, &r.Epoch, &path, &payload, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify(err)
	}
	if err := fillResult(&r, path, payload, createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func fillResult(r *types.ResultRecord, path sql.NullString, payload, createdAt string) error {
	if path.Valid {
		p := path.String
		r.ArtifactPath = &p
	}
	r.Payload = json.RawMessage(payload)
	t, err := parseTime(createdAt)
	if err != nil {
		return fmt.Errorf("decoding created_at of result %d: %w", r.ResultID, err)
	}
	r.CreatedAt = t
	return nil
}
