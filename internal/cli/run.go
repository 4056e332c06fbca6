package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/projectkit/internal/lineage"
	"github.com/mesh-intelligence/projectkit/internal/paths"
	"github.com/mesh-intelligence/projectkit/internal/routine"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func (a *app) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [<logical-id>] <experiment-key> <data-key> [--key value ...]",
		Short: "Run an experiment on the latest version of a dataset",
		Long: "Snapshot src/<experiment-key>, bind a new run to it and to the latest\n" +
			"version of <data-key>, then stream the trainer named <experiment-key>\n" +
			"epoch by epoch. Trailing --key value pairs are passed to the trainer.\n" +
			"The trainer's output is captured in models/logs/<experiment-key>_<run>.out|.err.",
		DisableFlagParsing: true,
		RunE:               a.runRun,
	}
}

type runOutput struct {
	Run            *types.RunRecord `json:"run"`
	CodeChanged    bool             `json:"code_changed"`
	Epochs         int              `json:"epochs"`
	Checkpoints    int              `json:"checkpoints"`
	LastCheckpoint string           `json:"last_checkpoint,omitempty"`
	Stdout         string           `json:"stdout"`
	Stderr         string           `json:"stderr"`
}

func (a *app) runRun(cmd *cobra.Command, args []string) error {
	args, help, err := a.splitGlobalFlags(args)
	if err != nil {
		return err
	}
	if help {
		return cmd.Help()
	}
	positional, rest := splitPositionals(args)
	var req lineage.RunRequest
	switch len(positional) {
	case 2:
		req.ExperimentKey, req.DataKey = positional[0], positional[1]
	case 3:
		req.LogicalExperimentID, req.ExperimentKey, req.DataKey = positional[0], positional[1], positional[2]
	default:
		return fmt.Errorf("%w: usage: %s", types.ErrInvalidParams, cmd.Use)
	}
	if req.Params, err = types.ParseParams(rest); err != nil {
		return err
	}

	p, err := a.openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	trainer, err := p.routines.Trainer(req.ExperimentKey)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	h, err := p.recorder.BeginRun(ctx, req)
	if err != nil {
		return err
	}

	stdoutPath, stderrPath := p.layout.LogPaths(h.Run.ExperimentKey, h.RunID())
	sink, closeSink, err := openSink(stdoutPath, stderrPath)
	if err != nil {
		return err
	}
	defer closeSink()

	run, err := trainer.Start(ctx, routine.TrainRequest{
		DataPath:  h.DataPath,
		OutputDir: h.OutputDir(),
		Params:    req.Params,
		Sink:      sink,
	})
	if err != nil {
		return fmt.Errorf("run %d: starting %s: %w", h.RunID(), req.ExperimentKey, err)
	}
	sum, runErr := p.recorder.Execute(ctx, h, run)

	out := cmd.OutOrStdout()
	if a.flags.jsonMode {
		if err := printJSON(out, runOutput{
			Run:            h.Run,
			CodeChanged:    h.CodeChanged,
			Epochs:         sum.Epochs,
			Checkpoints:    sum.Checkpoints,
			LastCheckpoint: sum.LastCheckpoint,
			Stdout:         stdoutPath,
			Stderr:         stderrPath,
		}); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	}

	fmt.Fprintf(out, "Run %s (%s) on %s v%d with code tag %d\n",
		paths.RunName(h.Run.ExperimentKey, h.RunID()), h.Run.LogicalExperimentID,
		h.Run.DataKey, h.Run.DataVersion, h.Run.CodeTag)
	fmt.Fprintf(out, "%d epochs recorded, %d checkpoints saved\n", sum.Epochs, sum.Checkpoints)
	if sum.LastCheckpoint != "" {
		fmt.Fprintf(out, "Last checkpoint: %s\n", sum.LastCheckpoint)
	}
	fmt.Fprintf(out, "Logs: %s, %s\n", stdoutPath, stderrPath)
	return runErr
}

// openSink creates the capture files of a run.
func openSink(stdoutPath, stderrPath string) (routine.Sink, func(), error) {
	outF, err := createLog(stdoutPath)
	if err != nil {
		return routine.Sink{}, nil, err
	}
	errF, err := createLog(stderrPath)
	if err != nil {
		outF.Close()
		return routine.Sink{}, nil, err
	}
	return routine.Sink{Stdout: outF, Stderr: errF}, func() {
		outF.Close()
		errF.Close()
	}, nil
}

func createLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrIO, err)
	}
	return f, nil
}
