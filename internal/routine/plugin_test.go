package routine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func dispense(t *testing.T, name string) interface{} {
	t.Helper()
	client, _ := plugin.TestPluginRPCConn(t, map[string]plugin.Plugin{
		generatorPluginName: &GeneratorPlugin{Impl: Copy{}},
		trainerPluginName:   &TrainerPlugin{Impl: Example{}},
	}, nil)
	t.Cleanup(func() { client.Close() })
	raw, err := client.Dispense(name)
	require.NoError(t, err)
	return raw
}

func TestGeneratorOverRPC(t *testing.T) {
	gen, ok := dispense(t, generatorPluginName).(Generator)
	require.True(t, ok)

	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.data")
	require.NoError(t, os.WriteFile(in, []byte("rows"), 0o644))

	err := gen.Generate(context.Background(), GenerateRequest{
		InputPath: in, OutputPath: out, Params: types.NewParams("do_it", "yes"),
	})
	require.NoError(t, err)
	assert.FileExists(t, out)

	err = gen.Generate(context.Background(), GenerateRequest{InputPath: in, OutputPath: out})
	assert.ErrorContains(t, err, "no output")
}

func TestTrainerOverRPC(t *testing.T) {
	trainer, ok := dispense(t, trainerPluginName).(Trainer)
	require.True(t, ok)

	data := filepath.Join(t.TempDir(), "d.data")
	require.NoError(t, os.WriteFile(data, []byte("1 0.5"), 0o644))

	run, err := trainer.Start(context.Background(), TrainRequest{DataPath: data, Params: types.NewParams("epochs", "3")})
	require.NoError(t, err)

	e0, ok, err := run.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, e0.Model)
	assert.JSONEq(t, `{"train:loss":1,"test:loss":1}`, string(e0.Stats))

	path := filepath.Join(t.TempDir(), "e0.ckpt")
	require.NoError(t, e0.Model.Save(path))
	assert.FileExists(t, path)

	epochs := collect(t, run)
	require.Len(t, epochs, 2)
	assert.NotNil(t, epochs[0].Model, "0.5 improves on 1")
	assert.Nil(t, epochs[1].Model, "1 does not improve on 0.5")

	assert.Error(t, e0.Model.Save(path), "only the latest epoch's model is held")
}

func TestTrainerOverRPCStartError(t *testing.T) {
	trainer := dispense(t, trainerPluginName).(Trainer)
	_, err := trainer.Start(context.Background(), TrainRequest{DataPath: filepath.Join(t.TempDir(), "absent")})
	assert.Error(t, err)
}

func TestPluginGeneratorBadCommand(t *testing.T) {
	err := (&PluginGenerator{Command: "   "}).Generate(context.Background(), GenerateRequest{})
	assert.ErrorIs(t, err, types.ErrUnknownRoutine)
}
