// Package registry holds the gateway's dataset catalog as immutable
// snapshots behind an atomically swapped pointer.
//
// # Overview
//
// Every request reads the registry; only the reload coordinator writes it.
// A writer builds a complete Snapshot off to the side and then publishes it
// with a single pointer swap, so readers never block, never wait for a
// writer, and never observe a half-built catalog.
//
//	┌───────────────────────────────────────────┐
//	│               Registry                    │
//	├───────────────────────────────────────────┤
//	│  current: atomic.Pointer[Snapshot] ──┐    │
//	│  generation: atomic counter          │    │
//	└──────────────────────────────────────┼────┘
//	                                       ▼
//	┌───────────────────────────────────────────┐
//	│               Snapshot (read-only)        │
//	├───────────────────────────────────────────┤
//	│  grid:   datasetID → *dataset.Dataset     │
//	│  table:  datasetID → *dataset.Dataset     │
//	│  order:  insertion order per kind         │
//	│  categories: attr → value → datasetIDs    │
//	└───────────────────────────────────────────┘
//
// # Consistency
//
// A handler that looked up a dataset keeps using that *dataset.Dataset for
// the whole request. A later Publish does not affect it; the next lookup
// sees the new value. Each published snapshot carries a generation number
// taken from a strictly increasing counter, and each dataset carries its
// own construction generation, so "has this dataset been replaced?" is a
// comparison of two integers.
//
// # Category Index
//
// Snapshots index the configured category attributes (for example
// institution, ioos_category, keywords, standard_name, variableName).
// Attribute names are normalized to snake_case, values are trimmed and
// lower-cased, keywords are split on commas, and the pseudo attribute
// variableName indexes variable and axis names.
//
// # Usage
//
//	reg := registry.New([]string{"institution", "keywords"})
//	reg.Publish(reg.NewSnapshot(datasets))
//
//	if ds, ok := reg.Lookup(dataset.Grid, "sst"); ok {
//	    // use ds for the rest of the request
//	}
package registry
