package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the project settings read from projectkit.yaml and the
// PROJECTKIT_* environment.
type Config struct {
	Store    StoreConfig       `mapstructure:"store" yaml:"store"`
	Hash     HashConfig        `mapstructure:"hash" yaml:"hash"`
	Snapshot SnapshotConfig    `mapstructure:"snapshot" yaml:"snapshot"`
	Data     DataConfig        `mapstructure:"data" yaml:"data"`
	Log      LogConfig         `mapstructure:"log" yaml:"log"`
	Plugins  map[string]string `mapstructure:"plugins" yaml:"plugins,omitempty" validate:"dive,keys,required,endkeys,required"`
}

// StoreConfig locates the metadata store and bounds how long a write waits
// for another writer's lock.
type StoreConfig struct {
	Path        string        `mapstructure:"path" yaml:"path" validate:"required"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout" validate:"gt=0"`
}

// HashConfig sets the read size used when digesting artifact files.
type HashConfig struct {
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size" validate:"gte=512,lte=16777216"`
}

// SnapshotConfig controls which files a code snapshot captures.
type SnapshotConfig struct {
	Ignore  []string `mapstructure:"ignore" yaml:"ignore" validate:"dive,required"`
	Workers int      `mapstructure:"workers" yaml:"workers" validate:"gte=1,lte=64"`
}

// DataConfig names the default generator routine for `data gen`.
type DataConfig struct {
	Generator string `mapstructure:"generator" yaml:"generator" validate:"required"`
}

// LogConfig selects the log encoding and verbosity.
type LogConfig struct {
	Format  string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
	Verbose bool   `mapstructure:"verbose" yaml:"verbose"`
}

// Defaults.
const (
	DefaultStorePath        = "db/experiments.db"
	DefaultLockTimeout      = 5 * time.Second
	DefaultChunkSize        = 4096
	DefaultSnapshotWorkers  = 4
	DefaultGenerator        = "copy"
	DefaultLogFormat        = "console"
	LogFormatJSON           = "json"
	DefaultConfigFileName   = "projectkit"
	DefaultConfigFileFormat = "yaml"
)

// DefaultIgnore lists the snapshot ignore globs used when none are configured.
var DefaultIgnore = []string{"**/__pycache__/**", "**/*.pyc", "**/.git/**"}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() Config {
	ignore := make([]string, len(DefaultIgnore))
	copy(ignore, DefaultIgnore)
	return Config{
		Store:    StoreConfig{Path: DefaultStorePath, LockTimeout: DefaultLockTimeout},
		Hash:     HashConfig{ChunkSize: DefaultChunkSize},
		Snapshot: SnapshotConfig{Ignore: ignore, Workers: DefaultSnapshotWorkers},
		Data:     DataConfig{Generator: DefaultGenerator},
		Log:      LogConfig{Format: DefaultLogFormat},
	}
}

// Validate checks the struct tags and reports every failing field at once.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
