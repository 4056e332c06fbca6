package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/projectkit/internal/fsutil"
	"github.com/mesh-intelligence/projectkit/internal/paths"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

const envPrefix = "PROJECTKIT"

// Config keys.
const (
	cfgKeyStorePath       = "store.path"
	cfgKeyLockTimeout     = "store.lock_timeout"
	cfgKeyChunkSize       = "hash.chunk_size"
	cfgKeySnapshotIgnore  = "snapshot.ignore"
	cfgKeySnapshotWorkers = "snapshot.workers"
	cfgKeyGenerator       = "data.generator"
	cfgKeyLogFormat       = "log.format"
	cfgKeyLogVerbose      = "log.verbose"
)

// configDefaults maps every scalar key to its default.
func configDefaults() map[string]any {
	d := types.DefaultConfig()
	return map[string]any{
		cfgKeyStorePath:       d.Store.Path,
		cfgKeyLockTimeout:     d.Store.LockTimeout,
		cfgKeyChunkSize:       d.Hash.ChunkSize,
		cfgKeySnapshotIgnore:  d.Snapshot.Ignore,
		cfgKeySnapshotWorkers: d.Snapshot.Workers,
		cfgKeyGenerator:       d.Data.Generator,
		cfgKeyLogFormat:       d.Log.Format,
		cfgKeyLogVerbose:      d.Log.Verbose,
	}
}

// envName returns the environment variable that overrides key.
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// loadConfig reads projectkit.yaml from the project root using Viper.
// PROJECTKIT_* variables override the file; variables in the project's .env
// apply only where the process environment sets nothing. A missing
// projectkit.yaml yields the defaults.
func loadConfig(layout paths.Layout) (types.Config, error) {
	v := viper.New()
	for key, def := range configDefaults() {
		v.SetDefault(key, def)
	}
	v.SetConfigName(types.DefaultConfigFileName)
	v.SetConfigType(types.DefaultConfigFileFormat)
	v.AddConfigPath(layout.Root)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if fsutil.Exists(layout.EnvPath()) {
		dotenv, err := godotenv.Read(layout.EnvPath())
		if err != nil {
			return types.Config{}, fmt.Errorf("read %s: %w", layout.EnvPath(), err)
		}
		for key := range configDefaults() {
			name := envName(key)
			if _, set := os.LookupEnv(name); set {
				continue
			}
			if val, ok := dotenv[name]; ok {
				v.Set(key, val)
			}
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// configFile is the layout written to projectkit.yaml.
type configFile struct {
	Store    storeFile            `yaml:"store"`
	Hash     types.HashConfig     `yaml:"hash"`
	Snapshot types.SnapshotConfig `yaml:"snapshot"`
	Data     types.DataConfig     `yaml:"data"`
	Log      types.LogConfig      `yaml:"log"`
	Plugins  map[string]string    `yaml:"plugins,omitempty"`
}

// storeFile spells the lock timeout as a duration string.
type storeFile struct {
	Path        string `yaml:"path"`
	LockTimeout string `yaml:"lock_timeout"`
}

const configHeader = `# projectkit configuration.
# Every key can be overridden by a PROJECTKIT_* environment variable,
# for example PROJECTKIT_STORE_LOCK_TIMEOUT=10s, or in .env.
# Plugin routines are declared as name: path-to-binary under "plugins".
`

// writeConfigIfMissing writes cfg to path unless the file already exists.
func writeConfigIfMissing(path string, cfg types.Config) (bool, error) {
	if fsutil.Exists(path) {
		return false, nil
	}
	data, err := yaml.Marshal(&configFile{
		Store:    storeFile{Path: cfg.Store.Path, LockTimeout: cfg.Store.LockTimeout.String()},
		Hash:     cfg.Hash,
		Snapshot: cfg.Snapshot,
		Data:     cfg.Data,
		Log:      cfg.Log,
		Plugins:  cfg.Plugins,
	})
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := fsutil.WriteAtomic(path, append([]byte(configHeader), data...), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
