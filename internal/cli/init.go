package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/projectkit/internal/fsutil"
	"github.com/mesh-intelligence/projectkit/internal/paths"
	"github.com/mesh-intelligence/projectkit/internal/routine"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// exampleKey names the scaffolded experiment and dataset. The experiment
// runs the built-in trainer of the same name.
const exampleKey = routine.ExampleTrainer

// scaffold lists the files init creates when they are missing, relative to
// the project root.
var scaffold = map[string]string{
	filepath.Join(paths.SrcDirName, exampleKey, "README.md"): "# example\n\n" +
		"Code of the `example` experiment. This directory is snapshotted on every\n" +
		"`projectkit run`; the run is bound to the resulting tag.\n",
	filepath.Join(paths.DataDirName, exampleKey, "README.md"): "# example\n\n" +
		"Generator code of the `example` dataset. This directory is snapshotted on\n" +
		"every `projectkit data gen`; each version is bound to the resulting tag.\n",
	filepath.Join(paths.DataDirName, exampleKey, "input.txt"): "2 5 1 0.5 4 0.25 3\n",
}

func (a *app) newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a projectkit project",
		Long: "Create the project directories, write a default projectkit.yaml,\n" +
			"create the metadata store and scaffold the example experiment.\n" +
			"Running init again leaves existing files alone.",
		Args: cobra.NoArgs,
		RunE: a.runInit,
	}
}

func (a *app) runInit(cmd *cobra.Command, args []string) error {
	layout, err := a.resolveLayout()
	if err != nil {
		return err
	}
	for _, dir := range append([]string{layout.Root}, layout.Dirs()...) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %w", types.ErrIO, dir, err)
		}
	}
	wrote, err := writeConfigIfMissing(layout.ConfigPath(), types.DefaultConfig())
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	for rel, content := range scaffold {
		path := filepath.Join(layout.Root, rel)
		if fsutil.Exists(path) {
			continue
		}
		if err := fsutil.WriteAtomic(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("scaffold: %w", err)
		}
	}

	cfg, err := loadConfig(layout)
	if err != nil {
		return err
	}
	p, err := a.attach(layout, cfg)
	if err != nil {
		return err
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("finalize store: %w", err)
	}

	out := cmd.OutOrStdout()
	if wrote {
		fmt.Fprintf(out, "Initialized projectkit project in %s\n", layout.Root)
	} else {
		fmt.Fprintf(out, "Project in %s is already initialized\n", layout.Root)
	}
	fmt.Fprintf(out, "Try: projectkit data gen %s %s --do_it yes\n",
		filepath.ToSlash(filepath.Join(paths.DataDirName, exampleKey, "input.txt")), exampleKey)
	fmt.Fprintf(out, "     projectkit run %s %s\n", exampleKey, exampleKey)
	return nil
}
