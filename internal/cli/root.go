// Package cli implements the projectkit command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/projectkit/internal/routine"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Exit codes.
const (
	exitSuccess  = 0
	exitFailure  = 1
	exitDeclined = 2
)

// Options wires the process environment into the command tree. Nil fields
// default to the process streams and the built-in routines.
type Options struct {
	In       io.Reader
	Out      io.Writer
	Err      io.Writer
	Registry *routine.Registry
}

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	projectDir string
	verbose    bool
	jsonMode   bool
}

type app struct {
	opts  Options
	flags rootFlags
}

// NewRootCmd creates the top-level "projectkit" command with global flags
// and all subcommands registered.
func NewRootCmd(opts Options) *cobra.Command {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Registry == nil {
		opts.Registry = routine.Builtins()
	}
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   "projectkit",
		Short: "Version datasets, code and checkpoints of iterative experiments",
		Long: "projectkit records which dataset version and which code snapshot produced\n" +
			"each experiment run, and which checkpoints that run saved.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(opts.In)
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	root.PersistentFlags().StringVar(&a.flags.projectDir, "project-dir", "", "project root (default: $PROJECTKIT_DIR or the working directory)")
	root.PersistentFlags().BoolVarP(&a.flags.verbose, "verbose", "v", false, "log lifecycle events")
	root.PersistentFlags().BoolVar(&a.flags.jsonMode, "json", false, "output as JSON")

	root.AddCommand(newVersionCmd())
	root.AddCommand(a.newInitCmd())
	root.AddCommand(a.newRunCmd())
	root.AddCommand(a.newFindCmd())
	root.AddCommand(a.newCleanCmd())
	root.AddCommand(a.newDataCmd())

	return root
}

// Execute runs the CLI against the process arguments and returns the exit
// code.
func Execute() int {
	return Run(os.Args[1:], Options{})
}

// Run executes args and returns the exit code: 0 on success, 2 when the
// operator declined a destructive operation, 1 for any other failure.
func Run(args []string, opts Options) int {
	root := NewRootCmd(opts)
	root.SetArgs(args)
	return exitCode(root.ErrOrStderr(), root.Execute())
}

func exitCode(w io.Writer, err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, types.ErrConfirmationDeclined):
		fmt.Fprintln(w, "Operation cancelled, nothing was removed")
		return exitDeclined
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return exitFailure
}

// splitGlobalFlags pulls the global flags out of the raw arguments of a
// command that parses its own flags. help is set when -h or --help appears.
// Extraction stops at the first flag it does not know: from there on every
// argument is a trainer parameter, even one spelled like a global flag.
func (a *app) splitGlobalFlags(args []string) (rest []string, help bool, err error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "--help":
			return nil, true, nil
		case arg == "-v" || arg == "--verbose":
			a.flags.verbose = true
		case arg == "--json":
			a.flags.jsonMode = true
		case arg == "--project-dir":
			if i+1 == len(args) {
				return nil, false, fmt.Errorf("%w: --project-dir needs a value", types.ErrInvalidParams)
			}
			i++
			a.flags.projectDir = args[i]
		case strings.HasPrefix(arg, "--project-dir="):
			a.flags.projectDir = strings.TrimPrefix(arg, "--project-dir=")
		case strings.HasPrefix(arg, "-"):
			return append(rest, args[i:]...), false, nil
		default:
			rest = append(rest, arg)
		}
	}
	return rest, false, nil
}

// splitPositionals separates leading positional arguments from the trailing
// --key value pairs.
func splitPositionals(args []string) (positional, params []string) {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") {
			return args[:i], args[i:]
		}
	}
	return args, nil
}
