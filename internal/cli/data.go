package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/projectkit/internal/lineage"
	"github.com/mesh-intelligence/projectkit/internal/routine"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// generatorParam selects the generator routine of `data gen`. It is not
// passed on to the routine.
const generatorParam = "generator"

func (a *app) newDataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Generate and verify dataset versions",
	}
	cmd.AddCommand(a.newDataGenCmd())
	cmd.AddCommand(a.newDataCheckCmd())
	return cmd
}

func (a *app) newDataGenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen <input> <key> [--key value ...]",
		Short: "Generate the next version of a dataset",
		Long: "Snapshot data/<key>, allocate the next version of <key> and run the\n" +
			"generator routine from <input> into data/<key>.v<N>.data. The routine is\n" +
			"chosen by --generator (default: data.generator from projectkit.yaml);\n" +
			"all other --key value pairs are passed to it. Output identical to the\n" +
			"latest version, made by the same code with the same parameters, reuses\n" +
			"that version.",
		DisableFlagParsing: true,
		RunE:               a.runDataGen,
	}
}

type genOutput struct {
	Version      *types.ArtifactVersion `json:"version"`
	Deduplicated bool                   `json:"deduplicated"`
	CodeChanged  bool                   `json:"code_changed"`
}

func (a *app) runDataGen(cmd *cobra.Command, args []string) error {
	args, help, err := a.splitGlobalFlags(args)
	if err != nil {
		return err
	}
	if help {
		return cmd.Help()
	}
	positional, rest := splitPositionals(args)
	if len(positional) != 2 {
		return fmt.Errorf("%w: usage: data %s", types.ErrInvalidParams, cmd.Use)
	}
	input, err := filepath.Abs(positional[0])
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrIO, err)
	}
	params, err := types.ParseParams(rest)
	if err != nil {
		return err
	}

	p, err := a.openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	name := params.GetOr(generatorParam, p.cfg.Data.Generator)
	params.Delete(generatorParam)
	gen, err := p.routines.Generator(name)
	if err != nil {
		return err
	}

	res, err := p.recorder.Generate(cmd.Context(), lineage.GenerateRequest{
		InputPath: input,
		DataKey:   positional[1],
		Generator: gen,
		Params:    params,
		Sink:      routine.Sink{Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()},
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.flags.jsonMode {
		return printJSON(out, genOutput{Version: res.Version, Deduplicated: res.Deduplicated, CodeChanged: res.Snapshot.Changed})
	}
	v := res.Version
	if res.Deduplicated {
		fmt.Fprintf(out, "Output unchanged, %s stays at v%d (%s)\n", v.Key, v.Version, v.StoragePath)
		return nil
	}
	fmt.Fprintf(out, "Created %s v%d at %s (code tag %d)\n", v.Key, v.Version, v.StoragePath, v.CodeTag)
	return nil
}

func (a *app) newDataCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <key>",
		Short: "Compare the latest dataset file with its recorded hash",
		Long: "Re-hash the file of the latest version of <key>. A mismatch is reported\n" +
			"as a warning and does not fail the command.",
		Args: cobra.ExactArgs(1),
		RunE: a.runDataCheck,
	}
}

func (a *app) runDataCheck(cmd *cobra.Command, args []string) error {
	p, err := a.openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := p.recorder.Check(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.flags.jsonMode {
		return printJSON(out, res)
	}
	if res.Match {
		fmt.Fprintf(out, "Current dataset matches latest data (%s v%d)\n", res.Key, res.Version)
		return nil
	}
	fmt.Fprintf(out, "WARNING: %s differs from the latest recorded version of %s\n", res.Path, res.Key)
	fmt.Fprintf(out, "\tcurrent:  %s\n\trecorded: %s (v%d)\n", res.Current, res.Recorded, res.Version)
	return nil
}
