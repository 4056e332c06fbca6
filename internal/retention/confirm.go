package retention

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Confirmer approves or declines a plan before anything is removed.
type Confirmer interface {
	Confirm(ctx context.Context, plan Plan) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, plan Plan) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, plan Plan) (bool, error) {
	return f(ctx, plan)
}

// AssumeYes approves every plan.
var AssumeYes Confirmer = ConfirmFunc(func(context.Context, Plan) (bool, error) { return true, nil })

// Prompt shows the plan on Out, asks, and reads one line from In. Only y,
// ye and yes, in any case, approve; end of input declines.
type Prompt struct {
	In  io.Reader
	Out io.Writer
}

// Confirm implements Confirmer.
func (p Prompt) Confirm(ctx context.Context, plan Plan) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := Render(p.Out, plan); err != nil {
		return false, err
	}
	fmt.Fprintf(p.Out, "Delete %d %s artifact(s)? Proceed [y/N]? ", len(plan.Delete), plan.Kind)
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	return Affirmative(line), nil
}

// Affirmative reports whether answer is a yes.
func Affirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "ye", "yes":
		return true
	}
	return false
}
