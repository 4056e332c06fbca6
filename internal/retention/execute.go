package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/projectkit/internal/fsutil"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Outcome is what happened to one planned item.
type Outcome string

// Outcomes.
const (
	OutcomeDeleted        Outcome = "deleted"
	OutcomeFileFailed     Outcome = "metadata-deleted-file-failed"
	OutcomeMetadataFailed Outcome = "file-deleted-metadata-failed"
	OutcomeUntouched      Outcome = "untouched"
)

// ItemResult is the outcome of one item. Err is nil only for OutcomeDeleted.
type ItemResult struct {
	Item    Item    `json:"item"`
	Outcome Outcome `json:"outcome"`
	Err     error   `json:"-"`
}

// MarshalJSON renders Err as its message.
func (r ItemResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Item    Item    `json:"item"`
		Outcome Outcome `json:"outcome"`
		Error   string  `json:"error,omitempty"`
	}{Item: r.Item, Outcome: r.Outcome}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Report lists per-item outcomes in plan order.
type Report struct {
	Kind  types.Kind   `json:"kind"`
	Items []ItemResult `json:"items"`
}

// Count returns how many items ended with o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

// Execute asks confirmer to approve plan and then, for each item, re-checks
// that it is still safe to delete, removes its file and removes its row.
// Item failures do not stop the remaining items; they are returned joined
// alongside the full report. An empty plan is not presented for
// confirmation. A declined plan returns types.ErrConfirmationDeclined and
// touches nothing.
func (c *Collector) Execute(ctx context.Context, plan Plan, confirmer Confirmer) (Report, error) {
	ctx, span := c.obs.StartSpan(ctx, "retention.Execute")
	defer span.End()

	report := Report{Kind: plan.Kind}
	if plan.Empty() {
		return report, nil
	}
	if err := plan.Verify(); err != nil {
		return report, err
	}
	ok, err := confirmer.Confirm(ctx, plan)
	if err != nil {
		return report, fmt.Errorf("confirming %s cleanup: %w", plan.Kind, err)
	}
	if !ok {
		return report, types.ErrConfirmationDeclined
	}

	var errs []error
	for _, item := range plan.Delete {
		res := c.apply(ctx, item)
		report.Items = append(report.Items, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", item.Kind, item.Label(), res.Err))
			c.obs.Log().Warn().Str("item", item.Label()).Str("outcome", string(res.Outcome)).Err(res.Err).Msg("cleanup item failed")
			continue
		}
		c.obs.Log().Info().Str("item", item.Label()).Str("path", item.Locator).Msg("item deleted")
	}
	return report, errors.Join(errs...)
}

func (c *Collector) apply(ctx context.Context, item Item) ItemResult {
	res := ItemResult{Item: item, Outcome: OutcomeUntouched}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	if err := c.guard(ctx, item); err != nil {
		res.Err = err
		return res
	}

	_, fileErr := fsutil.RemoveIfExists(c.layout.Abs(item.Locator))
	rowErr := c.deleteRow(ctx, item)
	switch {
	case fileErr == nil && rowErr == nil:
		res.Outcome = OutcomeDeleted
	case fileErr == nil:
		res.Outcome = OutcomeMetadataFailed
		res.Err = rowErr
	case rowErr == nil:
		res.Outcome = OutcomeFileFailed
		res.Err = fileErr
	default:
		res.Err = errors.Join(fileErr, rowErr)
	}
	return res
}

// guard re-checks an item against the store as it is now: data must not
// have become the latest version or gained a consuming run, and a
// checkpoint must not have become its key's newest.
func (c *Collector) guard(ctx context.Context, item Item) error {
	switch item.Kind {
	case types.KindData:
		latest, err := c.store.LatestVersion(ctx, item.Key)
		if err != nil {
			return err
		}
		if latest.Version == item.Version {
			return fmt.Errorf("%w: now the latest version", types.ErrIntegrity)
		}
		ref, err := c.store.VersionReferenced(ctx, item.Key, item.Version)
		if err != nil {
			return err
		}
		if ref {
			return fmt.Errorf("%w: consumed by a run", types.ErrIntegrity)
		}
		return nil

	case types.KindModel:
		cps, err := c.store.ListCheckpoints(ctx, item.Key)
		if err != nil {
			return err
		}
		if keep, ok := PlanModel(cps).Keep[item.Key]; ok && keep.same(item) {
			return fmt.Errorf("%w: now the newest checkpoint", types.ErrIntegrity)
		}
		return nil
	}
	return fmt.Errorf("%w %q", types.ErrInvalidKind, item.Kind)
}

func (c *Collector) deleteRow(ctx context.Context, item Item) error {
	if item.Kind == types.KindModel {
		return c.store.DeleteResult(ctx, item.ResultID)
	}
	return c.store.DeleteVersion(ctx, item.Key, item.Version)
}
