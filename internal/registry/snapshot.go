package registry

import (
	"strings"

	"github.com/iancoleman/strcase"
	"golang.org/x/exp/slices"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
)

// VariableNameAttribute is the pseudo category attribute indexing variable
// names instead of an attribute value.
const VariableNameAttribute = "variable_name"

// Snapshot is an immutable view of the catalog at one point in time.
//
// A Snapshot is built once by NewSnapshot and never modified afterwards,
// except for the generation stamped by Registry.Publish before the
// snapshot becomes visible. All methods are safe for concurrent use.
type Snapshot struct {
	generation uint64

	grid       map[string]*dataset.Dataset
	table      map[string]*dataset.Dataset
	gridOrder  []string
	tableOrder []string

	categoryAttrs []string
	// categories maps normalized attribute name -> value -> sorted ids.
	categories map[string]map[string][]string
}

// NewSnapshot builds a snapshot of datasets, indexing categoryAttrs.
//
// Datasets keep their slice order for unsorted listings. When two datasets
// of the same kind share an id, the later one replaces the earlier one in
// place.
//
// Parameters:
//   - datasets: the complete catalog; nil entries are ignored
//   - categoryAttrs: attribute names to index (any case convention)
//
// Returns:
//   - A read-only Snapshot with generation 0 until published
func NewSnapshot(datasets []*dataset.Dataset, categoryAttrs []string) *Snapshot {
	s := &Snapshot{
		grid:       make(map[string]*dataset.Dataset),
		table:      make(map[string]*dataset.Dataset),
		categories: make(map[string]map[string][]string),
	}
	for _, ds := range datasets {
		if ds == nil {
			continue
		}
		m, order := s.grid, &s.gridOrder
		if ds.Kind == dataset.Table {
			m, order = s.table, &s.tableOrder
		}
		if _, ok := m[ds.ID]; !ok {
			*order = append(*order, ds.ID)
		}
		m[ds.ID] = ds
	}

	for _, attr := range categoryAttrs {
		name := NormalizeAttribute(attr)
		if name == "" || slices.Contains(s.categoryAttrs, name) {
			continue
		}
		s.categoryAttrs = append(s.categoryAttrs, name)
		s.categories[name] = make(map[string][]string)
	}
	slices.Sort(s.categoryAttrs)
	s.each(func(ds *dataset.Dataset) {
		for _, name := range s.categoryAttrs {
			for _, v := range categoryValues(ds, name) {
				ids := s.categories[name][v]
				if !slices.Contains(ids, ds.ID) {
					s.categories[name][v] = append(ids, ds.ID)
				}
			}
		}
	})
	for _, values := range s.categories {
		for _, ids := range values {
			sortFold(ids)
		}
	}
	return s
}

// NormalizeAttribute returns the index key of a category attribute name.
func NormalizeAttribute(attr string) string {
	return strcase.ToSnake(strings.TrimSpace(attr))
}

// NormalizeValue returns the index key of a category value.
func NormalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func categoryValues(ds *dataset.Dataset, name string) []string {
	var raw []string
	if name == VariableNameAttribute {
		for _, a := range ds.Axes {
			raw = append(raw, a.Name)
		}
		for _, v := range ds.Variables {
			raw = append(raw, v.Name)
		}
	} else {
		collect := func(attrs dataset.Attributes) {
			for _, a := range attrs {
				if NormalizeAttribute(a.Name) != name {
					continue
				}
				s := dataset.FormatValue(a.Value)
				if name == "keywords" {
					raw = append(raw, strings.Split(s, ",")...)
				} else {
					raw = append(raw, s)
				}
			}
		}
		collect(ds.GlobalAttributes)
		for _, a := range ds.Axes {
			collect(a.Attributes)
		}
		for _, v := range ds.Variables {
			collect(v.Attributes)
		}
	}
	out := raw[:0]
	for _, v := range raw {
		if v = NormalizeValue(v); v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func (s *Snapshot) each(fn func(*dataset.Dataset)) {
	for _, id := range s.gridOrder {
		fn(s.grid[id])
	}
	for _, id := range s.tableOrder {
		fn(s.table[id])
	}
}

func sortFold(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
}

// Generation returns the number stamped when the snapshot was published,
// or 0 for an unpublished snapshot.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Lookup returns the dataset of the given kind and id.
func (s *Snapshot) Lookup(kind dataset.Kind, id string) (*dataset.Dataset, bool) {
	m := s.grid
	if kind == dataset.Table {
		m = s.table
	}
	ds, ok := m[id]
	return ds, ok
}

// LookupAny returns the dataset with id, trying grids first.
func (s *Snapshot) LookupAny(id string) (*dataset.Dataset, bool) {
	if ds, ok := s.grid[id]; ok {
		return ds, true
	}
	ds, ok := s.table[id]
	return ds, ok
}

// List returns the ids of one kind. With sorted=false the order is the
// order datasets were given to NewSnapshot; with sorted=true it is
// case-insensitive lexicographic.
func (s *Snapshot) List(kind dataset.Kind, sorted bool) []string {
	order := s.gridOrder
	if kind == dataset.Table {
		order = s.tableOrder
	}
	ids := slices.Clone(order)
	if sorted {
		sortFold(ids)
	}
	return ids
}

// Datasets returns every dataset, grids first, in insertion order.
func (s *Snapshot) Datasets() []*dataset.Dataset {
	out := make([]*dataset.Dataset, 0, len(s.grid)+len(s.table))
	s.each(func(ds *dataset.Dataset) { out = append(out, ds) })
	return out
}

// Len returns the number of datasets of kind.
func (s *Snapshot) Len(kind dataset.Kind) int {
	if kind == dataset.Table {
		return len(s.table)
	}
	return len(s.grid)
}

// CategoryAttributes returns the indexed attribute names, sorted.
func (s *Snapshot) CategoryAttributes() []string {
	return slices.Clone(s.categoryAttrs)
}

// CategoryValues returns the sorted distinct values of attr, or nil if attr
// is not a category attribute.
func (s *Snapshot) CategoryValues(attr string) []string {
	values, ok := s.categories[NormalizeAttribute(attr)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for v := range values {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// CategoryDatasetIDs returns the sorted ids of datasets whose attr has
// value.
func (s *Snapshot) CategoryDatasetIDs(attr, value string) []string {
	values := s.categories[NormalizeAttribute(attr)]
	return slices.Clone(values[NormalizeValue(value)])
}
