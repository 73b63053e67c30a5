// Package reload keeps the dataset registry in step with the catalog.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/BobSimons/erddap-sub000/internal/catalog"
	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/logging"
	"github.com/BobSimons/erddap-sub000/internal/metrics"
	"github.com/BobSimons/erddap-sub000/internal/registry"
)

// Catalog supplies dataset definitions and builds datasets from them.
// *catalog.Loader implements it.
type Catalog interface {
	Definitions(ctx context.Context) ([]catalog.Definition, error)
	Build(ctx context.Context, def catalog.Definition) (*dataset.Dataset, error)
}

// Cache is the part of the render cache the coordinator maintains.
// rendercache.Store implements it.
type Cache interface {
	Purge(dir string) error
	Sweep(cutoff time.Time) (int, error)
}

// Options tunes a Coordinator.
type Options struct {
	// LoadInterval is the time between full catalog cycles.
	LoadInterval time.Duration
	// FlagInterval is the time between signal cycles.
	FlagInterval time.Duration
	// CacheMaxAge is the age after which unused renders are swept.
	CacheMaxAge time.Duration
	// Parallelism bounds concurrent dataset builds.
	Parallelism int
}

// Coordinator is the ReloadCoordinator. It is the registry's only writer:
// it builds complete snapshots off to the side and publishes them, so
// requests never wait for a reload.
//
// Two cycles run on separate tickers:
//   - full cycle: read the whole catalog, reuse unchanged datasets, rebuild
//     the rest in parallel, publish, purge caches of replaced datasets,
//     sweep old renders
//   - signal cycle: drain signal sources (flag files, redis, RequestReload)
//     and rebuild just those datasets on a copy of the current snapshot
//
// Cycles are serialized by a mutex. RequestReload triggers a signal cycle
// immediately instead of waiting for the next tick.
type Coordinator struct {
	reg     *registry.Registry
	catalog Catalog
	cache   Cache
	signals []SignalSource
	local   *requests
	opts    Options

	mu     sync.Mutex        // serializes cycles
	hashes map[string]string // datasetID -> definition hash of the published dataset

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
	log zerolog.Logger
}

// New returns a coordinator publishing into reg. cache may be nil.
//
// Example:
//
//	c := reload.New(reg, loader, store, reload.Options{LoadInterval: 15 * time.Minute},
//	    reload.FlagDir{Dir: "/var/gateway/flag"})
//	if err := c.Start(ctx); err != nil { ... }
//	defer c.Stop()
func New(reg *registry.Registry, cat Catalog, cache Cache, opts Options, signals ...SignalSource) *Coordinator {
	if opts.LoadInterval <= 0 {
		opts.LoadInterval = 15 * time.Minute
	}
	if opts.FlagInterval <= 0 {
		opts.FlagInterval = 5 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	local := newRequests()
	return &Coordinator{
		reg:     reg,
		catalog: cat,
		cache:   cache,
		signals: append([]SignalSource{local}, signals...),
		local:   local,
		opts:    opts,
		hashes:  make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		log:     logging.With("reload"),
	}
}

// RequestReload asks for datasetID to be rebuilt as soon as possible.
// It never blocks.
func (c *Coordinator) RequestReload(datasetID string) {
	c.local.add(datasetID)
}

// Start runs the initial full cycle synchronously and then keeps the
// catalog fresh in the background until ctx is canceled or Stop is
// called. An initial cycle that cannot read the catalog is an error.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.ReloadNow(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	load := time.NewTicker(c.opts.LoadInterval)
	defer load.Stop()
	flag := time.NewTicker(c.opts.FlagInterval)
	defer flag.Stop()

	c.log.Info().Dur("load_interval", c.opts.LoadInterval).Dur("flag_interval", c.opts.FlagInterval).Msg("reload coordinator started")

	for {
		select {
		case <-load.C:
			_ = c.ReloadNow(c.ctx)
		case <-flag.C:
			_ = c.ReloadSignalled(c.ctx)
		case <-c.local.nudge:
			_ = c.ReloadSignalled(c.ctx)
		case <-ctx.Done():
			c.log.Info().Msg("reload coordinator stopping due to context cancellation")
			return
		case <-c.ctx.Done():
			c.log.Info().Msg("reload coordinator stopping")
			return
		}
	}
}

// Stop ends the background loop and waits for a running cycle to finish.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) drain(ctx context.Context) map[string]bool {
	flagged := make(map[string]bool)
	for _, s := range c.signals {
		ids, err := s.Drain(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("reading reload signals failed")
		}
		for _, id := range ids {
			flagged[id] = true
		}
	}
	return flagged
}

type built struct {
	ds   *dataset.Dataset
	hash string
}

// ReloadNow runs a full cycle: every active definition is either reused
// from the current snapshot or rebuilt, and the result is published.
// Definitions that fail to build are left out of the new snapshot.
func (c *Coordinator) ReloadNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	defs, err := c.catalog.Definitions(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("reading catalog failed; keeping current snapshot")
		metrics.ReloadCycles.WithLabelValues("full", "error").Inc()
		return err
	}
	flagged := c.drain(ctx)
	current := c.reg.Snapshot()

	results := make([]built, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)
	reused := 0
	for i, def := range defs {
		hash := def.Hash()
		if ds := c.reusable(current, def, hash, flagged[def.ID]); ds != nil {
			results[i] = built{ds: ds, hash: hash}
			reused++
			continue
		}
		g.Go(func() error {
			ds, err := c.build(gctx, def)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return nil
			}
			results[i] = built{ds: ds, hash: hash}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ReloadCycles.WithLabelValues("full", "canceled").Inc()
		return err
	}

	next := make([]*dataset.Dataset, 0, len(results))
	hashes := make(map[string]string, len(results))
	for _, b := range results {
		if b.ds != nil {
			next = append(next, b.ds)
			hashes[b.ds.ID] = b.hash
		}
	}
	if err := c.publish(current, next); err != nil {
		return err
	}
	c.hashes = hashes
	c.sweep()

	metrics.ReloadCycles.WithLabelValues("full", "ok").Inc()
	c.log.Info().
		Int("datasets", len(next)).
		Int("reused", reused).
		Int("failed", len(defs)-len(next)).
		Dur("took", c.now().Sub(start)).
		Msg("catalog reloaded")
	return nil
}

func (c *Coordinator) reusable(current *registry.Snapshot, def catalog.Definition, hash string, flagged bool) *dataset.Dataset {
	if flagged || c.hashes[def.ID] != hash {
		return nil
	}
	kind, err := def.DatasetKind()
	if err != nil {
		return nil
	}
	ds, ok := current.Lookup(kind, def.ID)
	if !ok {
		return nil
	}
	if ds.ReloadEvery > 0 && c.now().Sub(ds.LoadedAt) >= ds.ReloadEvery {
		return nil
	}
	return ds
}

func (c *Coordinator) build(ctx context.Context, def catalog.Definition) (*dataset.Dataset, error) {
	ds, err := c.catalog.Build(ctx, def)
	if err != nil {
		metrics.DatasetBuildFailures.Inc()
		c.log.Error().Err(err).Str("dataset", def.ID).Msg("dataset failed to load; leaving it out")
		return nil, err
	}
	c.log.Debug().Str("dataset", ds.ID).Uint64("generation", ds.Generation).Msg("dataset built")
	return ds, nil
}

// ReloadSignalled runs a signal cycle: only the signalled datasets are
// rebuilt (or removed, if their definition is gone or fails to build) on a
// copy of the current snapshot.
func (c *Coordinator) ReloadSignalled(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	flagged := c.drain(ctx)
	if len(flagged) == 0 {
		return nil
	}
	defs, err := c.catalog.Definitions(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("reading catalog failed; signals dropped")
		metrics.ReloadCycles.WithLabelValues("signal", "error").Inc()
		return err
	}

	replacements := make(map[string]*dataset.Dataset)
	hashes := make(map[string]string)
	var added []*dataset.Dataset
	current := c.reg.Snapshot()
	for _, def := range defs {
		if !flagged[def.ID] {
			continue
		}
		delete(flagged, def.ID)
		ds, err := c.build(ctx, def)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			replacements[def.ID] = nil
			continue
		}
		replacements[def.ID] = ds
		hashes[def.ID] = def.Hash()
		if _, ok := current.LookupAny(def.ID); !ok {
			added = append(added, ds)
		}
	}
	for id := range flagged {
		// signalled but no longer in the catalog
		replacements[id] = nil
	}

	next := make([]*dataset.Dataset, 0, len(current.Datasets())+len(added))
	for _, ds := range current.Datasets() {
		if r, ok := replacements[ds.ID]; ok {
			if r != nil && r.Kind == ds.Kind {
				next = append(next, r)
			} else if r != nil {
				added = append(added, r)
			}
			continue
		}
		next = append(next, ds)
	}
	next = append(next, added...)

	if err := c.publish(current, next); err != nil {
		return err
	}
	for id, r := range replacements {
		if r == nil {
			delete(c.hashes, id)
		} else {
			c.hashes[id] = hashes[id]
		}
	}
	metrics.ReloadCycles.WithLabelValues("signal", "ok").Inc()
	c.log.Info().Int("signalled", len(replacements)).Msg("signalled datasets reloaded")
	return nil
}

// publish swaps in a snapshot of next and purges the render caches of
// datasets that were replaced or removed.
func (c *Coordinator) publish(current *registry.Snapshot, next []*dataset.Dataset) error {
	snap := c.reg.NewSnapshot(next)
	gen, err := c.reg.Publish(snap)
	if err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	metrics.Datasets.WithLabelValues(dataset.Grid.String()).Set(float64(snap.Len(dataset.Grid)))
	metrics.Datasets.WithLabelValues(dataset.Table.String()).Set(float64(snap.Len(dataset.Table)))
	c.log.Debug().Uint64("generation", gen).Msg("snapshot published")

	if c.cache == nil {
		return nil
	}
	for _, old := range current.Datasets() {
		if now, ok := snap.Lookup(old.Kind, old.ID); ok && now == old {
			continue
		}
		if err := c.cache.Purge(old.CacheDir); err != nil {
			c.log.Warn().Err(err).Str("dataset", old.ID).Msg("purging render cache failed")
		}
	}
	return nil
}

func (c *Coordinator) sweep() {
	if c.cache == nil || c.opts.CacheMaxAge <= 0 {
		return
	}
	n, err := c.cache.Sweep(c.now().Add(-c.opts.CacheMaxAge))
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn().Err(err).Msg("sweeping render cache failed")
	}
	if n > 0 {
		metrics.CacheSwept.Add(float64(n))
		c.log.Debug().Int("removed", n).Msg("render cache swept")
	}
}
