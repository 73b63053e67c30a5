// Package rendercache stores rendered map images so identical requests
// are answered without rendering again.
//
// # Layout
//
// Entries are addressed by a Key made of a directory and a file name:
//
//	{root}/{datasetCacheDir}/wms_{md5(query)}.png   dataset-specific renders
//	{root}/_wms/{layerNames}/wms_{md5(query)}.png   cartographic-only renders
//
// The file name is derived from the full query (see EntryName), so two
// requests that differ only in parameter order or parameter-name case map
// to the same entry.
//
// # Consistency
//
// DiskStore writes each entry to a temporary file in the target directory
// and renames it into place. Concurrent readers see a complete old file, a
// complete new file, or none. Two workers rendering the same key at once
// both write; the last rename wins, which is harmless because renders of
// one key are identical.
//
// # Expiry
//
// The reload coordinator purges a dataset's directory whenever that
// dataset is replaced, and periodically sweeps entries not used recently.
// Shared cartographic entries are touched on every hit so popular
// basemaps survive sweeps.
//
// # Implementations
//
//   - DiskStore: files under a root directory (production)
//   - MemoryStore: a map guarded by a RWMutex (no cache dir configured, tests)
package rendercache
