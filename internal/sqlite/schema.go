package sqlite

// currentSchemaVersion is stored in PRAGMA user_version once the schema and
// every migration up to it have been applied.
const currentSchemaVersion = 1

// Schema DDL. Every statement is idempotent so concurrent first-time opens
// of the same database converge.
const (
	createArtifactVersions = `CREATE TABLE IF NOT EXISTS artifact_versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT NOT NULL,
    version INTEGER NOT NULL CHECK (version >= 1),
    storage_path TEXT NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    code_tag INTEGER NOT NULL,
    code_commit TEXT NOT NULL,
    params TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    UNIQUE (key, version)
);`

	createRuns = `CREATE TABLE IF NOT EXISTS runs (
    run_id INTEGER PRIMARY KEY AUTOINCREMENT,
    uid TEXT NOT NULL UNIQUE,
    experiment_key TEXT NOT NULL,
    logical_experiment_id TEXT NOT NULL,
    data_key TEXT NOT NULL,
    data_version INTEGER NOT NULL,
    code_tag INTEGER NOT NULL,
    code_commit TEXT NOT NULL,
    params TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    FOREIGN KEY (data_key, data_version)
        REFERENCES artifact_versions (key, version) ON DELETE RESTRICT
);`

	createResults = `CREATE TABLE IF NOT EXISTS results (
    result_id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL,
    epoch INTEGER NOT NULL CHECK (epoch >= 0),
    artifact_path TEXT,
    payload TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    FOREIGN KEY (run_id) REFERENCES runs (run_id) ON DELETE CASCADE
);`
)

// Index DDL for the resolver and retention queries.
const (
	idxRunsExperiment = `CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs (experiment_key, run_id);`
	idxRunsData       = `CREATE INDEX IF NOT EXISTS idx_runs_data ON runs (data_key, data_version);`
	idxResultsRun     = `CREATE INDEX IF NOT EXISTS idx_results_run ON results (run_id, epoch, result_id);`
)

// Trigger DDL. Runs and results are append-only; an artifact version may
// only move from pending to materialized, once.
const (
	trgRunsImmutable = `CREATE TRIGGER IF NOT EXISTS trg_runs_immutable
BEFORE UPDATE ON runs
BEGIN
    SELECT RAISE(ABORT, 'runs are immutable');
END;`

	trgResultsImmutable = `CREATE TRIGGER IF NOT EXISTS trg_results_immutable
BEFORE UPDATE ON results
BEGIN
    SELECT RAISE(ABORT, 'results are immutable');
END;`

	trgVersionsWriteOnce = `CREATE TRIGGER IF NOT EXISTS trg_artifact_versions_write_once
BEFORE UPDATE ON artifact_versions
WHEN OLD.content_hash <> ''
    OR NEW.key <> OLD.key
    OR NEW.version <> OLD.version
    OR NEW.storage_path <> OLD.storage_path
BEGIN
    SELECT RAISE(ABORT, 'artifact versions are write-once');
END;`
)

// schemaDDL lists all CREATE TABLE statements in dependency order.
var schemaDDL = []string{
	createArtifactVersions,
	createRuns,
	createResults,
}

// indexDDL lists all CREATE INDEX statements.
var indexDDL = []string{
	idxRunsExperiment,
	idxRunsData,
	idxResultsRun,
}

// triggerDDL lists all CREATE TRIGGER statements.
var triggerDDL = []string{
	trgRunsImmutable,
	trgResultsImmutable,
	trgVersionsWriteOnce,
}
