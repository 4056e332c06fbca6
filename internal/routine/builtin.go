package routine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/mesh-intelligence/projectkit/internal/fsutil"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// ErrNothingGenerated reports a generator that declined to write output.
var ErrNothingGenerated = errors.New("generator produced no output")

// Copy copies its input to its output when the do_it parameter is "yes".
type Copy struct{}

// Generate implements Generator.
func (Copy) Generate(ctx context.Context, req GenerateRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Params.GetOr("do_it", "") != "yes" {
		fmt.Fprintln(req.Sink.stdout(), "couldn't generate anything (pass --do_it yes)")
		return ErrNothingGenerated
	}
	return fsutil.CopyFile(req.InputPath, req.OutputPath)
}

// Example trains on a file of whitespace-separated numbers. Epoch i reads
// value i modulo the number of values; values below 3 are their own loss and
// anything else scores 100. A model is offered whenever the loss improves.
// The epochs parameter bounds the run (default 5).
type Example struct{}

// DefaultExampleEpochs is used when the epochs parameter is absent.
const DefaultExampleEpochs = 5

// Start implements Trainer.
func (Example) Start(ctx context.Context, req TrainRequest) (Run, error) {
	epochs, err := strconv.Atoi(req.Params.GetOr("epochs", strconv.Itoa(DefaultExampleEpochs)))
	if err != nil || epochs < 0 {
		return nil, fmt.Errorf("%w: epochs must be a non-negative integer", types.ErrInvalidParams)
	}
	values, err := readValues(req.DataPath)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(req.Sink.stdout(), "training on %d values for %d epochs\n", len(values), epochs)
	return &exampleRun{values: values, epochs: epochs, best: 101}, nil
}

func readValues(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrIO, err)
	}
	defer f.Close()

	var values []float64
	sc := bufio.NewScanner(f)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", types.ErrIO, path, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s holds no numeric values", path)
	}
	return values, nil
}

type exampleRun struct {
	values []float64
	epochs int
	next   int
	best   float64
}

func (r *exampleRun) Next(ctx context.Context) (Epoch, bool, error) {
	if err := ctx.Err(); err != nil {
		return Epoch{}, false, err
	}
	if r.next >= r.epochs {
		return Epoch{}, false, nil
	}
	i := r.next
	r.next++

	loss := 100.0
	if v := r.values[i%len(r.values)]; v < 3 {
		loss = v
	}
	stats, err := json.Marshal(map[string]float64{"train:loss": loss, "test:loss": loss})
	if err != nil {
		return Epoch{}, false, err
	}
	e := Epoch{Epoch: i, Stats: stats}
	if loss < r.best {
		r.best = loss
		e.Model = lossModel(loss)
	}
	return e, true, nil
}

func (r *exampleRun) Close() error { return nil }

type lossModel float64

func (m lossModel) Save(path string) error {
	return os.WriteFile(path, []byte(strconv.FormatFloat(float64(m), 'g', -1, 64)+"\n"), 0o644)
}
