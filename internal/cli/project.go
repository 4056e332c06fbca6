package cli

import (
	"errors"
	"fmt"

	"github.com/mesh-intelligence/projectkit/internal/digest"
	"github.com/mesh-intelligence/projectkit/internal/fsutil"
	"github.com/mesh-intelligence/projectkit/internal/lineage"
	"github.com/mesh-intelligence/projectkit/internal/observe"
	"github.com/mesh-intelligence/projectkit/internal/paths"
	"github.com/mesh-intelligence/projectkit/internal/retention"
	"github.com/mesh-intelligence/projectkit/internal/routine"
	"github.com/mesh-intelligence/projectkit/internal/snapshot"
	"github.com/mesh-intelligence/projectkit/internal/sqlite"
	"github.com/mesh-intelligence/projectkit/pkg/types"
)

// project is an attached store plus the components built on it. The caller
// must Close it.
type project struct {
	layout   paths.Layout
	cfg      types.Config
	obs      *observe.Observer
	store    *sqlite.Backend
	recorder *lineage.Recorder
	resolver *lineage.Resolver
	gc       *retention.Collector
	routines routine.Resolver
}

// resolveLayout returns the layout of the project root.
func (a *app) resolveLayout() (paths.Layout, error) {
	root, err := paths.ResolveProjectDir(a.flags.projectDir)
	if err != nil {
		return paths.Layout{}, fmt.Errorf("resolve project dir: %w", err)
	}
	return paths.New(root), nil
}

// openProject loads the configuration of an initialized project and
// attaches its store.
func (a *app) openProject() (*project, error) {
	layout, err := a.resolveLayout()
	if err != nil {
		return nil, err
	}
	if !fsutil.Exists(layout.ConfigPath()) {
		return nil, fmt.Errorf("%s is not a projectkit project, run `projectkit init` first: %w", layout.Root, types.ErrNotFound)
	}
	cfg, err := loadConfig(layout)
	if err != nil {
		return nil, err
	}
	return a.attach(layout, cfg)
}

func (a *app) attach(layout paths.Layout, cfg types.Config) (*project, error) {
	obs := a.observer(cfg)
	store, err := sqlite.Open(types.StoreConfig{
		Path:        layout.Abs(cfg.Store.Path),
		LockTimeout: cfg.Store.LockTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("attach store: %w", err)
	}

	hasher := digest.New(cfg.Hash.ChunkSize)
	snap, err := snapshot.New(snapshot.Options{
		Ignore:  cfg.Snapshot.Ignore,
		Workers: cfg.Snapshot.Workers,
	})
	if err != nil {
		return nil, errors.Join(err, store.Detach())
	}

	return &project{
		layout: layout,
		cfg:    cfg,
		obs:    obs,
		store:  store,
		recorder: lineage.NewRecorder(lineage.Options{
			Store:       store,
			Snapshotter: snap,
			Layout:      layout,
			Hasher:      hasher,
			Observer:    obs,
		}),
		resolver: lineage.NewResolver(store),
		gc:       retention.New(store, layout, obs),
		routines: routine.Resolver{Registry: a.opts.Registry, Plugins: cfg.Plugins},
	}, nil
}

// observer logs to the error stream; --json and --verbose override the
// configured format and level.
func (a *app) observer(cfg types.Config) *observe.Observer {
	format := cfg.Log.Format
	if a.flags.jsonMode {
		format = types.LogFormatJSON
	}
	return observe.ForFormat(a.opts.Err, format, a.flags.verbose || cfg.Log.Verbose)
}

// Close detaches the store.
func (p *project) Close() error {
	return errors.Join(p.store.Detach(), p.obs.Close())
}
