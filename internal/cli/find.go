package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

func (a *app) newFindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find {data|model} <key>",
		Short: "Print the latest dataset or checkpoint of a key",
		Long: "For data, print the file of the highest materialized version of <key>.\n" +
			"For model, print the newest checkpoint of the latest run of experiment\n" +
			"<key>. Prints None when there is nothing to find.",
		Args: cobra.ExactArgs(2),
		RunE: a.runFind,
	}
}

type findOutput struct {
	Kind    types.Kind `json:"kind"`
	Key     string     `json:"key"`
	Locator *string    `json:"locator"`
}

func (a *app) runFind(cmd *cobra.Command, args []string) error {
	kind, err := types.ParseKind(args[0])
	if err != nil {
		return err
	}
	key := args[1]

	p, err := a.openProject()
	if err != nil {
		return err
	}
	defer p.Close()

	loc, found, err := p.resolver.Latest(cmd.Context(), kind, key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.flags.jsonMode {
		res := findOutput{Kind: kind, Key: key}
		if found {
			res.Locator = &loc
		}
		return printJSON(out, res)
	}
	if !found {
		fmt.Fprintln(out, "None")
		return nil
	}
	fmt.Fprintln(out, loc)
	return nil
}
