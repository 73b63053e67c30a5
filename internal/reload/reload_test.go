package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BobSimons/erddap-sub000/internal/catalog"
	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/registry"
)

type fakeCatalog struct {
	mu     sync.Mutex
	defs   []catalog.Definition
	fail   map[string]bool
	builds map[string]int
	defErr error
}

func newFakeCatalog(ids ...string) *fakeCatalog {
	c := &fakeCatalog{fail: make(map[string]bool), builds: make(map[string]int)}
	for _, id := range ids {
		c.defs = append(c.defs, catalog.Definition{ID: id, Kind: "table", Title: id})
	}
	return c
}

func (c *fakeCatalog) Definitions(ctx context.Context) ([]catalog.Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.defErr != nil {
		return nil, c.defErr
	}
	return append([]catalog.Definition(nil), c.defs...), nil
}

func (c *fakeCatalog) Build(ctx context.Context, def catalog.Definition) (*dataset.Dataset, error) {
	c.mu.Lock()
	c.builds[def.ID]++
	fail := c.fail[def.ID]
	c.mu.Unlock()
	if fail {
		return nil, errors.New("source unreadable")
	}
	return dataset.New(dataset.Config{
		ID:          def.ID,
		Title:       def.Title,
		Kind:        dataset.Table,
		Variables:   []dataset.Variable{{Name: "x"}},
		Table:       &dataset.MemoryTable{Data: &dataset.TableData{}},
		ReloadEvery: time.Duration(def.ReloadEveryMinutes) * time.Minute,
	})
}

func (c *fakeCatalog) setTitle(id, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.defs {
		if c.defs[i].ID == id {
			c.defs[i].Title = title
		}
	}
}

func (c *fakeCatalog) buildCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builds[id]
}

type fakeCache struct {
	mu      sync.Mutex
	purged  []string
	cutoffs []time.Time
}

func (f *fakeCache) Purge(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, dir)
	return nil
}

func (f *fakeCache) Sweep(cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 0, nil
}

func (f *fakeCache) purges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.purged...)
	sort.Strings(out)
	return out
}

func newCoordinator(cat *fakeCatalog, cache *fakeCache, signals ...SignalSource) (*Coordinator, *registry.Registry) {
	reg := registry.New(nil)
	c := New(reg, cat, cache, Options{CacheMaxAge: time.Hour, Parallelism: 2}, signals...)
	return c, reg
}

func TestFullCyclePublishesCatalog(t *testing.T) {
	cat := newFakeCatalog("a", "b", "c")
	cache := &fakeCache{}
	c, reg := newCoordinator(cat, cache)

	require.NoError(t, c.ReloadNow(context.Background()))
	assert.Equal(t, uint64(2), reg.Snapshot().Generation())
	assert.Equal(t, []string{"a", "b", "c"}, reg.List(dataset.Table, false), "catalog order is kept")
	assert.Empty(t, cache.purges())
	require.Len(t, cache.cutoffs, 1, "every full cycle sweeps")
}

func TestFullCycleReusesUnchangedDatasets(t *testing.T) {
	cat := newFakeCatalog("a", "b")
	cache := &fakeCache{}
	c, reg := newCoordinator(cat, cache)
	ctx := context.Background()

	require.NoError(t, c.ReloadNow(ctx))
	a1, _ := reg.Lookup(dataset.Table, "a")
	b1, _ := reg.Lookup(dataset.Table, "b")

	cat.setTitle("b", "changed")
	require.NoError(t, c.ReloadNow(ctx))

	a2, _ := reg.Lookup(dataset.Table, "a")
	b2, _ := reg.Lookup(dataset.Table, "b")
	assert.Same(t, a1, a2, "unchanged definition is not rebuilt")
	assert.NotSame(t, b1, b2)
	assert.Greater(t, b2.Generation, b1.Generation)
	assert.Equal(t, "changed", b2.Title)
	assert.Equal(t, 1, cat.buildCount("a"))
	assert.Equal(t, 2, cat.buildCount("b"))
	assert.Equal(t, []string{"b"}, cache.purges(), "only the replaced dataset's renders are purged")
}

func TestFullCycleDropsFailedAndRemovedDatasets(t *testing.T) {
	cat := newFakeCatalog("a", "b", "c")
	cache := &fakeCache{}
	c, reg := newCoordinator(cat, cache)
	ctx := context.Background()
	require.NoError(t, c.ReloadNow(ctx))

	cat.mu.Lock()
	cat.defs = cat.defs[:2] // c removed from the catalog
	cat.fail["b"] = true
	cat.defs[1].Title = "b2"
	cat.mu.Unlock()

	require.NoError(t, c.ReloadNow(ctx))
	assert.Equal(t, []string{"a"}, reg.List(dataset.Table, false))
	assert.Equal(t, []string{"b", "c"}, cache.purges())
}

func TestFullCycleCatalogErrorKeepsSnapshot(t *testing.T) {
	cat := newFakeCatalog("a")
	c, reg := newCoordinator(cat, &fakeCache{})
	ctx := context.Background()
	require.NoError(t, c.ReloadNow(ctx))
	gen := reg.Snapshot().Generation()

	cat.mu.Lock()
	cat.defErr = errors.New("catalog is not valid yaml")
	cat.mu.Unlock()

	assert.Error(t, c.ReloadNow(ctx))
	assert.Equal(t, gen, reg.Snapshot().Generation())
	_, ok := reg.Lookup(dataset.Table, "a")
	assert.True(t, ok)
}

func TestFullCycleHonorsReloadEvery(t *testing.T) {
	cat := newFakeCatalog("a")
	cat.defs[0].ReloadEveryMinutes = 10
	c, reg := newCoordinator(cat, &fakeCache{})
	ctx := context.Background()
	require.NoError(t, c.ReloadNow(ctx))
	first, _ := reg.Lookup(dataset.Table, "a")

	c.now = func() time.Time { return first.LoadedAt.Add(5 * time.Minute) }
	require.NoError(t, c.ReloadNow(ctx))
	assert.Equal(t, 1, cat.buildCount("a"))

	c.now = func() time.Time { return first.LoadedAt.Add(11 * time.Minute) }
	require.NoError(t, c.ReloadNow(ctx))
	assert.Equal(t, 2, cat.buildCount("a"))
}

func TestFlaggedDatasetIsRebuiltInFullCycle(t *testing.T) {
	cat := newFakeCatalog("a", "b")
	c, _ := newCoordinator(cat, &fakeCache{})
	ctx := context.Background()
	require.NoError(t, c.ReloadNow(ctx))

	c.RequestReload("a")
	require.NoError(t, c.ReloadNow(ctx))
	assert.Equal(t, 2, cat.buildCount("a"))
	assert.Equal(t, 1, cat.buildCount("b"))
}

func TestSignalCycle(t *testing.T) {
	cat := newFakeCatalog("a", "b")
	cache := &fakeCache{}
	c, reg := newCoordinator(cat, cache)
	ctx := context.Background()
	require.NoError(t, c.ReloadNow(ctx))
	a1, _ := reg.Lookup(dataset.Table, "a")
	b1, _ := reg.Lookup(dataset.Table, "b")
	gen := reg.Snapshot().Generation()

	require.NoError(t, c.ReloadSignalled(ctx))
	assert.Equal(t, gen, reg.Snapshot().Generation(), "nothing signalled, nothing published")

	c.RequestReload("b")
	require.NoError(t, c.ReloadSignalled(ctx))
	a2, _ := reg.Lookup(dataset.Table, "a")
	b2, _ := reg.Lookup(dataset.Table, "b")
	assert.Same(t, a1, a2)
	assert.NotSame(t, b1, b2)
	assert.Equal(t, []string{"a", "b"}, reg.List(dataset.Table, false))
	assert.Equal(t, []string{"b"}, cache.purges())
}

func TestSignalCycleRemovesMissingAndFailing(t *testing.T) {
	cat := newFakeCatalog("a", "b", "c")
	cache := &fakeCache{}
	c, reg := newCoordinator(cat, cache)
	ctx := context.Background()
	require.NoError(t, c.ReloadNow(ctx))

	cat.mu.Lock()
	cat.defs = cat.defs[1:] // a removed
	cat.fail["b"] = true
	cat.mu.Unlock()

	c.RequestReload("a")
	c.RequestReload("b")
	require.NoError(t, c.ReloadSignalled(ctx))
	assert.Equal(t, []string{"c"}, reg.List(dataset.Table, false))
	assert.Equal(t, []string{"a", "b"}, cache.purges())
}

func TestSignalCycleAddsNewDataset(t *testing.T) {
	cat := newFakeCatalog("a")
	c, reg := newCoordinator(cat, &fakeCache{})
	ctx := context.Background()
	require.NoError(t, c.ReloadNow(ctx))

	cat.mu.Lock()
	cat.defs = append(cat.defs, catalog.Definition{ID: "fresh", Kind: "table"})
	cat.mu.Unlock()

	c.RequestReload("fresh")
	require.NoError(t, c.ReloadSignalled(ctx))
	assert.Equal(t, []string{"a", "fresh"}, reg.List(dataset.Table, false))
}

func TestFlagDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"sst", "buoys", "bad name"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	ids, err := FlagDir{Dir: dir}.Drain(context.Background())
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"buoys", "sst"}, ids)

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, left, 1, "flag files are consumed")
	assert.Equal(t, "sub", left[0].Name())

	ids, err = FlagDir{Dir: filepath.Join(dir, "missing")}.Drain(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, ids)
}

type fakePopper struct {
	items []string
	err   error
}

func (f *fakePopper) LPop(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	if len(f.items) == 0 {
		return redis.NewStringResult("", redis.Nil)
	}
	v := f.items[0]
	f.items = f.items[1:]
	return redis.NewStringResult(v, nil)
}

func TestRedisQueue(t *testing.T) {
	q := &RedisQueue{client: &fakePopper{items: []string{"sst", "../etc", "buoys"}}, key: "gateway:reload"}
	ids, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sst", "buoys"}, ids)

	ids, err = q.Drain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	q = &RedisQueue{client: &fakePopper{err: errors.New("connection refused")}, key: "k"}
	_, err = q.Drain(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

type staticSignals struct {
	mu  sync.Mutex
	ids []string
}

func (s *staticSignals) Drain(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.ids
	s.ids = nil
	return ids, nil
}

func TestStartStop(t *testing.T) {
	cat := newFakeCatalog("a", "b")
	external := &staticSignals{}
	reg := registry.New(nil)
	c := New(reg, cat, nil, Options{LoadInterval: time.Hour, FlagInterval: 10 * time.Millisecond}, external)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	assert.Equal(t, []string{"a", "b"}, reg.List(dataset.Table, false), "initial load is synchronous")

	c.RequestReload("a")
	assert.Eventually(t, func() bool { return cat.buildCount("a") == 2 }, 2*time.Second, 5*time.Millisecond)

	external.mu.Lock()
	external.ids = []string{"b"}
	external.mu.Unlock()
	assert.Eventually(t, func() bool { return cat.buildCount("b") == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestStartFailsWithoutCatalog(t *testing.T) {
	cat := newFakeCatalog()
	cat.defErr = errors.New("no catalog")
	c := New(registry.New(nil), cat, nil, Options{})
	assert.Error(t, c.Start(context.Background()))
}

func TestStopOnContextCancel(t *testing.T) {
	c := New(registry.New(nil), newFakeCatalog("a"), nil, Options{LoadInterval: time.Hour, FlagInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}
