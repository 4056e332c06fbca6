package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveProjectDir(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		name   string
		flag   string
		envVal string
		want   string
	}{
		{
			name:   "flag wins over env",
			flag:   "/explicit/project",
			envVal: "/env/project",
			want:   "/explicit/project",
		},
		{
			name:   "env wins when flag empty",
			envVal: "/env/project",
			want:   "/env/project",
		},
		{
			name: "cwd when both empty",
			want: cwd,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvProjectDir, tt.envVal)
			got, err := ResolveProjectDir(tt.flag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveProjectDir_AbsolutePath(t *testing.T) {
	t.Run("relative flag becomes absolute", func(t *testing.T) {
		t.Setenv(EnvProjectDir, "")
		got, err := ResolveProjectDir("relative/path")
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(got), "expected absolute path, got %s", got)
	})

	t.Run("relative env becomes absolute", func(t *testing.T) {
		t.Setenv(EnvProjectDir, "relative/env")
		got, err := ResolveProjectDir("")
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(got), "expected absolute path, got %s", got)
	})
}

func TestLayout(t *testing.T) {
	l := New("/proj")

	assert.Equal(t, "/proj/projectkit.yaml", l.ConfigPath())
	assert.Equal(t, "/proj/models/logs", l.LogsDir())
	assert.Equal(t, "/proj/data/mnist", l.DataCodeDir("mnist"))
	assert.Equal(t, "/proj/src/exp", l.ExperimentCodeDir("exp"))
	assert.Equal(t, []string{"/proj/db", "/proj/data", "/proj/src", "/proj/models", "/proj/models/logs"}, l.Dirs())

	out, errPath := l.LogPaths("exp", 4)
	assert.Equal(t, "/proj/models/logs/exp_4.out", out)
	assert.Equal(t, "/proj/models/logs/exp_4.err", errPath)
}

func TestStoredPaths(t *testing.T) {
	assert.Equal(t, "data/mnist.v3.data", DatasetPath("mnist", 3))
	assert.Equal(t, "models/exp_7", RunDir("exp", 7))
	assert.Equal(t, "models/exp_7/exp_7_12.ckpt", CheckpointPath("exp", 7, 12))
	assert.Equal(t, "models/exp_7/exp_7_12.ckpt", RepeatCheckpointPath("exp", 7, 12, 1))
	assert.Equal(t, "models/exp_7/exp_7_12-2.ckpt", RepeatCheckpointPath("exp", 7, 12, 2))

	l := New("/proj")
	assert.Equal(t, "/proj/data/mnist.v3.data", l.Abs(DatasetPath("mnist", 3)))
	assert.Equal(t, "/elsewhere/x", l.Abs("/elsewhere/x"))
}
