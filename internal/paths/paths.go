// Package paths resolves the project root and the conventional locations of
// everything projectkit stores beneath it.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvProjectDir overrides the project root when no flag is given.
const EnvProjectDir = "PROJECTKIT_DIR"

// Directory and file names under the project root.
const (
	ConfigFileName = "projectkit.yaml"
	EnvFileName    = ".env"
	DBDirName      = "db"
	DataDirName    = "data"
	SrcDirName     = "src"
	ModelsDirName  = "models"
	LogsDirName    = "logs"
	DatasetExt     = ".data"
	CheckpointExt  = ".ckpt"
)

// ResolveProjectDir returns the project root following the precedence chain:
// flag > PROJECTKIT_DIR env > current working directory.
// The result is always absolute.
func ResolveProjectDir(flag string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if env := os.Getenv(EnvProjectDir); env != "" {
		return filepath.Abs(env)
	}
	return os.Getwd()
}

// Layout maps lineage objects to paths under Root. Paths stored in the
// metadata store are relative to Root; Abs turns them back into file paths.
type Layout struct {
	Root string
}

// New returns the layout rooted at root.
func New(root string) Layout {
	return Layout{Root: root}
}

// ConfigPath is the project configuration file.
func (l Layout) ConfigPath() string { return filepath.Join(l.Root, ConfigFileName) }

// EnvPath is the optional environment override file.
func (l Layout) EnvPath() string { return filepath.Join(l.Root, EnvFileName) }

// DBDir holds the metadata store.
func (l Layout) DBDir() string { return filepath.Join(l.Root, DBDirName) }

// DataDir holds dataset files and generator code.
func (l Layout) DataDir() string { return filepath.Join(l.Root, DataDirName) }

// SrcDir holds experiment code.
func (l Layout) SrcDir() string { return filepath.Join(l.Root, SrcDirName) }

// ModelsDir holds checkpoints.
func (l Layout) ModelsDir() string { return filepath.Join(l.Root, ModelsDirName) }

// LogsDir holds per-run output captures.
func (l Layout) LogsDir() string { return filepath.Join(l.Root, ModelsDirName, LogsDirName) }

// Dirs lists every directory init creates, parents first.
func (l Layout) Dirs() []string {
	return []string{l.DBDir(), l.DataDir(), l.SrcDir(), l.ModelsDir(), l.LogsDir()}
}

// DataCodeDir is the generator code directory of a data key.
func (l Layout) DataCodeDir(key string) string { return filepath.Join(l.DataDir(), key) }

// ExperimentCodeDir is the code directory of an experiment key.
func (l Layout) ExperimentCodeDir(key string) string { return filepath.Join(l.SrcDir(), key) }

// DatasetPath is the stored, root-relative path of a data version.
func DatasetPath(key string, version int) string {
	return filepath.ToSlash(filepath.Join(DataDirName, fmt.Sprintf("%s.v%d%s", key, version, DatasetExt)))
}

// RunName identifies a run in file names.
func RunName(experimentKey string, runID int64) string {
	return fmt.Sprintf("%s_%d", experimentKey, runID)
}

// RunDir is the stored, root-relative checkpoint directory of a run.
func RunDir(experimentKey string, runID int64) string {
	return filepath.ToSlash(filepath.Join(ModelsDirName, RunName(experimentKey, runID)))
}

// CheckpointPath is the stored, root-relative path of an epoch checkpoint.
func CheckpointPath(experimentKey string, runID int64, epoch int) string {
	return RepeatCheckpointPath(experimentKey, runID, epoch, 1)
}

// RepeatCheckpointPath is the path of the nth checkpoint saved for the same
// epoch of a run. The first keeps the plain name; later ones get a "-n"
// suffix so no two results of a run share a file.
func RepeatCheckpointPath(experimentKey string, runID int64, epoch, n int) string {
	name := fmt.Sprintf("%s_%d", RunName(experimentKey, runID), epoch)
	if n > 1 {
		name += fmt.Sprintf("-%d", n)
	}
	return RunDir(experimentKey, runID) + "/" + name + CheckpointExt
}

// LogPaths returns the stdout and stderr capture files of a run.
func (l Layout) LogPaths(experimentKey string, runID int64) (stdout, stderr string) {
	base := filepath.Join(l.LogsDir(), RunName(experimentKey, runID))
	return base + ".out", base + ".err"
}

// Abs resolves a stored path against Root. Absolute paths pass through.
func (l Layout) Abs(stored string) string {
	if filepath.IsAbs(stored) {
		return stored
	}
	return filepath.Join(l.Root, filepath.FromSlash(stored))
}
