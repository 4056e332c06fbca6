package retention

import (
	"fmt"
	"io"
)

// Render writes plan as one line per item: kept items by key, then
// deletions, then pinned versions.
func Render(w io.Writer, plan Plan) error {
	if _, err := fmt.Fprintf(w, "%s: %d kept, %d to delete, %d pinned\n",
		plan.Kind, len(plan.Keep), len(plan.Delete), len(plan.Pinned)); err != nil {
		return err
	}
	for _, key := range plan.Keys() {
		if err := line(w, "keep", plan.Keep[key]); err != nil {
			return err
		}
	}
	for _, item := range plan.Delete {
		if err := line(w, "delete", item); err != nil {
			return err
		}
	}
	for _, item := range plan.Pinned {
		if err := line(w, "pinned", item); err != nil {
			return err
		}
	}
	if plan.Empty() {
		_, err := fmt.Fprintln(w, "nothing to delete")
		return err
	}
	return nil
}

// RenderReport writes one line per executed item and a closing tally.
func RenderReport(w io.Writer, r Report) error {
	for _, it := range r.Items {
		msg := ""
		if it.Err != nil {
			msg = ": " + it.Err.Error()
		}
		if _, err := fmt.Fprintf(w, "%s %s %s%s\n", it.Outcome, it.Item.Label(), it.Item.Locator, msg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d deleted, %d failed\n", r.Count(OutcomeDeleted), len(r.Items)-r.Count(OutcomeDeleted))
	return err
}

func line(w io.Writer, action string, item Item) error {
	_, err := fmt.Fprintf(w, "%-6s %s %s\n", action, item.Label(), item.Locator)
	return err
}
