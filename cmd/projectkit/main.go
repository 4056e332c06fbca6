// Command projectkit versions datasets, code snapshots and checkpoints of
// iterative experiments.
package main

import (
	"os"

	"github.com/mesh-intelligence/projectkit/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
