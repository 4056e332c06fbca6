// Package routine defines the user code that produces artifacts: generators
// that turn an input file into a dataset, and trainers that yield one epoch
// at a time. Routines are either compiled in and looked up by name in a
// Registry, or run as external plugin processes.
package routine

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Sink receives a routine's diagnostic output.
type Sink struct {
	Stdout io.Writer
	Stderr io.Writer
}

// stdout returns the configured writer or io.Discard.
func (s Sink) stdout() io.Writer {
	if s.Stdout == nil {
		return io.Discard
	}
	return s.Stdout
}

func (s Sink) stderr() io.Writer {
	if s.Stderr == nil {
		return io.Discard
	}
	return s.Stderr
}

// GenerateRequest asks a generator to write OutputPath from InputPath.
type GenerateRequest struct {
	InputPath  string
	OutputPath string
	Params     types.Params
	Sink       Sink
}

// Generator produces a dataset file. It must either write OutputPath in full
// or return an error.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) error

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) error {
	return f(ctx, req)
}

// TrainRequest starts a training run over the dataset at DataPath.
type TrainRequest struct {
	DataPath  string
	OutputDir string
	Params    types.Params
	Sink      Sink
}

// Trainer starts runs.
type Trainer interface {
	Start(ctx context.Context, req TrainRequest) (Run, error)
}

// Run is a lazy epoch sequence. Next returns false once the sequence is
// exhausted. Close releases the run and is safe to call more than once.
type Run interface {
	Next(ctx context.Context) (Epoch, bool, error)
	Close() error
}

// Epoch is one step of a run. Model is nil when the epoch produced nothing
// worth saving.
type Epoch struct {
	Epoch int
	Stats json.RawMessage
	Model Model
}

// Model is a trained state that can be written to a file.
type Model interface {
	Save(path string) error
}
