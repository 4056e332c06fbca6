package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

const runColumns = `run_id, uid, experiment_key, logical_experiment_id, data_key, data_version, code_tag, code_commit, params, created_at`

// NewRun describes a run about to start. The data version is not part of the
// request: it is resolved inside the same transaction that inserts the run.
type NewRun struct {
	ExperimentKey       string
	LogicalExperimentID string
	DataKey             string
	CodeTag             int
	CodeCommit          string
	Params              types.Params
}

// CreateRun binds a new run to the latest materialized version of
// req.DataKey and the given code snapshot. A data key without a materialized
// version yields ErrUnknownDataKey and records nothing.
func (b *Backend) CreateRun(ctx context.Context, req NewRun) (*types.RunRecord, error) {
	if err := types.ValidateKey(req.ExperimentKey); err != nil {
		return nil, err
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	logical := req.LogicalExperimentID
	if logical == "" {
		logical = req.ExperimentKey
	}

	r := &types.RunRecord{
		UID:                 generateUUID(),
		ExperimentKey:       req.ExperimentKey,
		LogicalExperimentID: logical,
		DataKey:             req.DataKey,
		CodeTag:             req.CodeTag,
		CodeCommit:          req.CodeCommit,
		Params:              req.Params,
		CreatedAt:           b.now().UTC(),
	}
	err = b.withTx(ctx, func(tx *sql.Tx) error {
		data, err := latestVersion(ctx, tx, req.DataKey)
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("%w %q", types.ErrUnknownDataKey, req.DataKey)
		}
		if err != nil {
			return err
		}
		r.DataVersion = data.Version

		res, err := tx.ExecContext(ctx,
			`INSERT INTO runs (uid, experiment_key, logical_experiment_id, data_key, data_version, code_tag, code_commit, params, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.UID, r.ExperimentKey, r.LogicalExperimentID, r.DataKey, r.DataVersion,
			r.CodeTag, r.CodeCommit, string(params), formatTime(r.CreatedAt),
		)
		if err != nil {
			return classify(err)
		}
		r.RunID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating run of %s: %w", req.ExperimentKey, err)
	}
	return r, nil
}

// GetRun returns a run by id.
func (b *Backend) GetRun(ctx context.Context, runID int64) (*types.RunRecord, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	r, err := hydrateRun(db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", runID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %d: %w", runID, err)
	}
	return r, nil
}

// LatestRun returns the most recently created run of experimentKey, by
// run id, or ErrNotFound.
func (b *Backend) LatestRun(ctx context.Context, experimentKey string) (*types.RunRecord, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	r, err := hydrateRun(db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE experiment_key = ? ORDER BY run_id DESC LIMIT 1", experimentKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest run of %s: %w", experimentKey, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest run of %s: %w", experimentKey, err)
	}
	return r, nil
}

// ListRuns returns the runs of experimentKey, or all runs when it is empty,
// in creation order.
func (b *Backend) ListRuns(ctx context.Context, experimentKey string) ([]types.RunRecord, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	query := "SELECT " + runColumns + " FROM runs"
	var args []any
	if experimentKey != "" {
		query += " WHERE experiment_key = ?"
		args = append(args, experimentKey)
	}
	query += " ORDER BY run_id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", classify(err))
	}
	defer rows.Close()

	var out []types.RunRecord
	for rows.Next() {
		r, err := hydrateRun(rows)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func hydrateRun(row scanner) (*types.RunRecord, error) {
	var (
		r         types.RunRecord
		params    string
		createdAt string
	)
	if err := row.Scan(&r.RunID, &r.UID, &r.ExperimentKey, &r.LogicalExperimentID, &r.DataKey,
		&r.DataVersion, &r.CodeTag, &r.CodeCommit, &params, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify(err)
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("decoding params of run %d: %w", r.RunID, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("decoding created_at of run %d: %w", r.RunID, err)
	}
	r.CreatedAt = t
	return &r, nil
}
