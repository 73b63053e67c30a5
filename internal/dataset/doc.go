// Package dataset defines the immutable catalog entries served by the
// gateway: grid datasets (axis variables plus n-dimensional data
// variables) and table datasets (rows of named columns).
//
// # Immutability
//
// A Dataset is built once by New and never modified afterwards. When a
// dataset's definition or source data changes, the reload coordinator
// builds a new Dataset with the same ID and a larger Generation and
// publishes it in a new registry snapshot. Request handlers therefore see
// one consistent Dataset for the whole request:
//
//	ds := registry.Lookup(dataset.Grid, "sst")   // generation 7
//	// ... reload publishes generation 8 ...
//	ds.ReadGrid(ctx, "sst", ranges)              // still reads through generation 7
//
// # Axes and strides
//
// Axis values are strictly monotonic (ascending or descending). Requests
// select a subset of each axis with an IndexRange (start, stride, stop,
// inclusive). Stride computes the down-sampling step that keeps the
// number of fetched samples within a pixel budget:
//
//	Stride(samples=1000, pixels=300) == 4   // ceil(1000/4) = 250 <= 300
//
// # Capability flags
//
// Each dataset carries one flag per optional protocol (WMS, WCS, SOS,
// MAG, Subset). An empty flag means enabled; a non-empty flag is the
// reason the protocol is unavailable, computed from the dataset's shape
// or forced by the catalog.
package dataset
