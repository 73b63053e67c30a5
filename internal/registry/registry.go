package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
)

// ErrAlreadyPublished is returned when a snapshot is published twice.
var ErrAlreadyPublished = errors.New("snapshot already published")

// Registry is the process-wide catalog, serving as the single source of
// truth for which datasets exist and which version of each is current.
//
// Concurrency Model:
//   - Reads load the current snapshot pointer and never lock
//   - Publish swaps the pointer; publishers are serialized by a mutex
//   - Snapshots are never modified after publication
//
// Performance Characteristics:
//   - Lookup: O(1) map lookup on the loaded snapshot
//   - List: O(n), plus O(n log n) when sorted
//   - Publish: O(1) swap; building the snapshot is the caller's cost
type Registry struct {
	// current is the snapshot readers see.
	current atomic.Pointer[Snapshot]

	// generation stamps published snapshots.
	generation atomic.Uint64

	// publishMu serializes Publish so generations are stamped in the
	// order snapshots become visible.
	publishMu sync.Mutex

	categoryAttrs []string
}

// New returns a registry holding an empty snapshot.
//
// Parameters:
//   - categoryAttrs: attribute names indexed by snapshots built with
//     NewSnapshot
//
// Example:
//
//	reg := registry.New([]string{"institution", "ioos_category"})
func New(categoryAttrs []string) *Registry {
	r := &Registry{categoryAttrs: append([]string(nil), categoryAttrs...)}
	empty := NewSnapshot(nil, r.categoryAttrs)
	empty.generation = r.generation.Add(1)
	r.current.Store(empty)
	return r
}

// NewSnapshot builds an unpublished snapshot using the registry's category
// attributes.
func (r *Registry) NewSnapshot(datasets []*dataset.Dataset) *Snapshot {
	return NewSnapshot(datasets, r.categoryAttrs)
}

// Snapshot returns the current snapshot. Callers that need several
// consistent reads should take one snapshot and read from it.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Publish makes s the current snapshot and returns its generation. This is
// the only mutation of the registry.
//
// Returns:
//   - The generation stamped on s
//   - ErrAlreadyPublished if s was published before
func (r *Registry) Publish(s *Snapshot) (uint64, error) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if s.generation != 0 {
		return 0, ErrAlreadyPublished
	}
	s.generation = r.generation.Add(1)
	r.current.Store(s)
	return s.generation, nil
}

// Lookup returns the current dataset of kind with id.
func (r *Registry) Lookup(kind dataset.Kind, id string) (*dataset.Dataset, bool) {
	return r.Snapshot().Lookup(kind, id)
}

// List returns the current ids of kind.
func (r *Registry) List(kind dataset.Kind, sorted bool) []string {
	return r.Snapshot().List(kind, sorted)
}

// CategoryValues returns the current values of a category attribute.
func (r *Registry) CategoryValues(attr string) []string {
	return r.Snapshot().CategoryValues(attr)
}

// CategoryDatasetIDs returns the current ids having value for attr.
func (r *Registry) CategoryDatasetIDs(attr, value string) []string {
	return r.Snapshot().CategoryDatasetIDs(attr, value)
}
