package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/projectkit/internal/retention"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func (a *app) newCleanCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clean {data|model}",
		Short: "Delete superseded datasets or checkpoints",
		Long: "Keep the latest dataset version of every key, or the newest checkpoint of\n" +
			"every experiment, and delete the rest after confirmation. Dataset versions\n" +
			"consumed by a run are never deleted. Declining exits with status 2.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runClean(cmd, args, yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "delete without asking")
	return cmd
}

type cleanOutput struct {
	Plan   retention.Plan    `json:"plan"`
	Report *retention.Report `json:"report,omitempty"`
}

func (a *app) runClean(cmd *cobra.Command, args []string, yes bool) error {
	kind, err := types.ParseKind(args[0])
	if err != nil {
		return err
	}

	p, err := a.openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx := cmd.Context()
	plan, err := p.gc.Plan(ctx, kind)
	if err != nil {
		return err
	}

	// The prompt shows the plan itself. In JSON mode it goes to stderr so
	// stdout stays one document.
	out := cmd.OutOrStdout()
	prompt := retention.Prompt{In: cmd.InOrStdin(), Out: out}
	if a.flags.jsonMode {
		prompt.Out = cmd.ErrOrStderr()
	}
	var confirmer retention.Confirmer = prompt
	if yes {
		confirmer = retention.AssumeYes
	}
	if !a.flags.jsonMode && (yes || plan.Empty()) {
		if err := retention.Render(out, plan); err != nil {
			return err
		}
	}
	report, execErr := p.gc.Execute(ctx, plan, confirmer)
	if errors.Is(execErr, types.ErrConfirmationDeclined) {
		return execErr
	}

	if a.flags.jsonMode {
		res := cleanOutput{Plan: plan}
		if !plan.Empty() {
			res.Report = &report
		}
		if err := printJSON(out, res); err != nil {
			return err
		}
		return execErr
	}
	if !plan.Empty() {
		if err := retention.RenderReport(out, report); err != nil {
			return err
		}
	}
	return execErr
}
