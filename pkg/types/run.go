package types

import (
	"encoding/json"
	"time"
)

// RunRecord is one invocation of an experiment. It is bound to the exact data
// version and code snapshot it consumed and never changes afterwards.
type RunRecord struct {
	RunID               int64     `json:"run_id"`
	UID                 string    `json:"uid"`
	ExperimentKey       string    `json:"experiment_key"`
	LogicalExperimentID string    `json:"logical_experiment_id"`
	DataKey             string    `json:"data_key"`
	DataVersion         int       `json:"data_version"`
	CodeTag             int       `json:"code_tag"`
	CodeCommit          string    `json:"code_commit"`
	Params              Params    `json:"params"`
	CreatedAt           time.Time `json:"created_at"`
}

// ResultRecord is one reported epoch of a run. ArtifactPath is nil when the
// run chose not to save a checkpoint for the epoch.
type ResultRecord struct {
	ResultID     int64           `json:"result_id"`
	RunID        int64           `json:"run_id"`
	Epoch        int             `json:"epoch"`
	ArtifactPath *string         `json:"artifact_path,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// HasArtifact reports whether the epoch saved a checkpoint.
func (r *ResultRecord) HasArtifact() bool {
	return r.ArtifactPath != nil && *r.ArtifactPath != ""
}

// Checkpoint is a result carrying a saved artifact, joined with the
// experiment key of its owning run.
type Checkpoint struct {
	ResultRecord
	ExperimentKey string `json:"experiment_key"`
}
