// Package retention reclaims superseded artifacts. Planning is pure and
// returns a Plan; a Confirmer approves it; Execute applies it item by item.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mesh-intelligence/projectkit/internal/observe"
	"github.com/mesh-intelligence/projectkit/internal/paths"
	"github.com/mesh-intelligence/projectkit/internal/sqlite"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// Store is the part of the metadata store the collector reads and purges.
type Store interface {
	ListVersions(ctx context.Context, key string) ([]types.ArtifactVersion, error)
	LatestVersion(ctx context.Context, key string) (*types.ArtifactVersion, error)
	VersionReferenced(ctx context.Context, key string, version int) (bool, error)
	DeleteVersion(ctx context.Context, key string, version int) error
	ListCheckpoints(ctx context.Context, experimentKey string) ([]types.Checkpoint, error)
	DeleteResult(ctx context.Context, resultID int64) error
}

var _ Store = (*sqlite.Backend)(nil)

// Item is one artifact in a plan. Data items carry Version; model items
// carry RunID, Epoch and ResultID.
type Item struct {
	Kind     types.Kind
	Key      string
	Version  int
	RunID    int64
	Epoch    int
	ResultID int64
	Locator  string
}

// MarshalJSON writes the fields of the item's kind: version for data, and
// run id, epoch and result id for models. Epoch 0 is written.
func (i Item) MarshalJSON() ([]byte, error) {
	type model struct {
		Kind     types.Kind `json:"kind"`
		Key      string     `json:"key"`
		RunID    int64      `json:"run_id"`
		Epoch    int        `json:"epoch"`
		ResultID int64      `json:"result_id"`
		Locator  string     `json:"locator"`
	}
	type data struct {
		Kind    types.Kind `json:"kind"`
		Key     string     `json:"key"`
		Version int        `json:"version"`
		Locator string     `json:"locator"`
	}
	if i.Kind == types.KindModel {
		return json.Marshal(model{i.Kind, i.Key, i.RunID, i.Epoch, i.ResultID, i.Locator})
	}
	return json.Marshal(data{i.Kind, i.Key, i.Version, i.Locator})
}

// Label names the item without its locator.
func (i Item) Label() string {
	if i.Kind == types.KindModel {
		return fmt.Sprintf("%s run %d epoch %d", i.Key, i.RunID, i.Epoch)
	}
	return fmt.Sprintf("%s v%d", i.Key, i.Version)
}

func (i Item) same(o Item) bool {
	if i.Kind != o.Kind || i.Key != o.Key {
		return false
	}
	if i.Kind == types.KindModel {
		return i.ResultID == o.ResultID
	}
	return i.Version == o.Version
}

// Plan lists what a collection keeps and deletes. Pinned items are
// superseded data versions still consumed by a run; they are kept.
type Plan struct {
	Kind   types.Kind      `json:"kind"`
	Keep   map[string]Item `json:"keep"`
	Delete []Item          `json:"delete"`
	Pinned []Item          `json:"pinned,omitempty"`
}

// Empty reports whether the plan deletes nothing.
func (p Plan) Empty() bool { return len(p.Delete) == 0 }

// Keys returns the kept keys in order.
func (p Plan) Keys() []string {
	keys := make([]string, 0, len(p.Keep))
	for k := range p.Keep {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Verify fails with types.ErrIntegrity when a key's kept item, or its
// locator, also appears among the deletions.
func (p Plan) Verify() error {
	for _, d := range p.Delete {
		keep, ok := p.Keep[d.Key]
		if !ok {
			continue
		}
		if keep.same(d) || keep.Locator == d.Locator {
			return fmt.Errorf("%w: plan deletes the kept %s (%s)", types.ErrIntegrity, keep.Label(), keep.Locator)
		}
	}
	return nil
}

// Collector plans and executes retention against one project.
type Collector struct {
	store  Store
	layout paths.Layout
	obs    *observe.Observer
}

// New creates a Collector. A nil Observer discards diagnostics.
func New(store Store, layout paths.Layout, obs *observe.Observer) *Collector {
	if obs == nil {
		obs = observe.Nop()
	}
	return &Collector{store: store, layout: layout, obs: obs}
}

// Plan computes what a collection of kind would keep and delete.
func (c *Collector) Plan(ctx context.Context, kind types.Kind) (Plan, error) {
	var (
		plan Plan
		err  error
	)
	switch kind {
	case types.KindData:
		plan, err = c.planData(ctx)
	case types.KindModel:
		plan, err = c.planModel(ctx)
	default:
		return Plan{}, fmt.Errorf("%w %q", types.ErrInvalidKind, kind)
	}
	if err != nil {
		return Plan{}, err
	}
	if err := plan.Verify(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (c *Collector) planData(ctx context.Context) (Plan, error) {
	versions, err := c.store.ListVersions(ctx, "")
	if err != nil {
		return Plan{}, err
	}
	plan := PlanData(versions)
	candidates := plan.Delete
	plan.Delete = nil
	for _, item := range candidates {
		ref, err := c.store.VersionReferenced(ctx, item.Key, item.Version)
		if err != nil {
			return Plan{}, err
		}
		if ref {
			plan.Pinned = append(plan.Pinned, item)
			continue
		}
		plan.Delete = append(plan.Delete, item)
	}
	return plan, nil
}

func (c *Collector) planModel(ctx context.Context) (Plan, error) {
	cps, err := c.store.ListCheckpoints(ctx, "")
	if err != nil {
		return Plan{}, err
	}
	return PlanModel(cps), nil
}

// PlanData keeps the highest materialized version of each key. Every other
// version with a storage path is a candidate, except pending versions newer
// than the kept one, which may still be generating. A key with no
// materialized version is left alone.
func PlanData(versions []types.ArtifactVersion) Plan {
	plan := Plan{Kind: types.KindData, Keep: make(map[string]Item)}
	byKey := make(map[string][]types.ArtifactVersion)
	var keys []string
	for _, v := range versions {
		if _, ok := byKey[v.Key]; !ok {
			keys = append(keys, v.Key)
		}
		byKey[v.Key] = append(byKey[v.Key], v)
	}
	sort.Strings(keys)

	for _, key := range keys {
		group := byKey[key]
		sort.Slice(group, func(i, j int) bool { return group[i].Version < group[j].Version })

		keep := -1
		for i, v := range group {
			if v.Materialized() {
				keep = i
			}
		}
		if keep < 0 {
			continue
		}
		plan.Keep[key] = dataItem(group[keep])
		for i, v := range group {
			if i == keep || v.StoragePath == "" {
				continue
			}
			if !v.Materialized() && v.Version > group[keep].Version {
				continue
			}
			plan.Delete = append(plan.Delete, dataItem(v))
		}
	}
	return plan
}

// PlanModel keeps, per experiment key, the checkpoint with the highest
// (run id, epoch, result id); every other checkpoint is deleted.
func PlanModel(cps []types.Checkpoint) Plan {
	plan := Plan{Kind: types.KindModel, Keep: make(map[string]Item)}
	sorted := make([]types.Checkpoint, 0, len(cps))
	for _, c := range cps {
		if c.HasArtifact() {
			sorted = append(sorted, c)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		switch {
		case a.ExperimentKey != b.ExperimentKey:
			return a.ExperimentKey < b.ExperimentKey
		case a.RunID != b.RunID:
			return a.RunID < b.RunID
		case a.Epoch != b.Epoch:
			return a.Epoch < b.Epoch
		}
		return a.ResultID < b.ResultID
	})

	for _, c := range sorted {
		plan.Keep[c.ExperimentKey] = modelItem(c)
	}
	for _, c := range sorted {
		item := modelItem(c)
		if plan.Keep[c.ExperimentKey].same(item) {
			continue
		}
		plan.Delete = append(plan.Delete, item)
	}
	return plan
}

func dataItem(v types.ArtifactVersion) Item {
	return Item{Kind: types.KindData, Key: v.Key, Version: v.Version, Locator: v.StoragePath}
}

func modelItem(c types.Checkpoint) Item {
	return Item{
		Kind:     types.KindModel,
		Key:      c.ExperimentKey,
		RunID:    c.RunID,
		Epoch:    c.Epoch,
		ResultID: c.ResultID,
		Locator:  *c.ArtifactPath,
	}
}
