package rendercache

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Key addresses one cache entry. Dir is a slash-separated relative
// directory (a dataset's cache dir, or a shared cartographic dir); Name is
// a file name without separators.
type Key struct {
	Dir  string
	Name string
}

// Path returns the slash-separated relative path of the entry.
func (k Key) Path() string { return path.Join(k.Dir, k.Name) }

func (k Key) String() string { return k.Path() }

// Validate rejects keys that could escape the cache root.
func (k Key) Validate() error {
	if k.Name == "" || strings.ContainsAny(k.Name, `/\`) || k.Name == "." || k.Name == ".." {
		return fmt.Errorf("invalid cache entry name %q", k.Name)
	}
	return validDir(k.Dir)
}

func validDir(dir string) error {
	if dir == "" || path.IsAbs(dir) || strings.Contains(dir, `\`) {
		return fmt.Errorf("invalid cache dir %q", dir)
	}
	for _, part := range strings.Split(dir, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid cache dir %q", dir)
		}
	}
	return nil
}

// Store is the RenderCache: rendered images addressed by Key.
//
// Implementations must be safe for concurrent use, and a concurrent Get
// must never observe a partially written entry. Racing Puts for one key
// are allowed; the last one wins.
type Store interface {
	// Get returns the entry's bytes or ErrNotFound.
	Get(key Key) ([]byte, error)

	// Put stores value under key, replacing any previous entry.
	Put(key Key, value []byte) error

	// Touch marks the entry as recently used so Sweep keeps it.
	Touch(key Key) error

	// Purge removes every entry under dir.
	Purge(dir string) error

	// Sweep removes entries last used before cutoff and returns how many
	// it removed.
	Sweep(cutoff time.Time) (int, error)

	// Stats returns entry and byte counts.
	Stats() Stats
}

// Stats summarizes a store's contents.
type Stats struct {
	Entries int   // Number of entries
	Bytes   int64 // Total size of all entries in bytes
}

// EntryName returns the content-addressed entry name for a request:
// prefix + md5 of the canonical query + ext. The canonical query has
// lower-cased parameter names sorted alphabetically, so parameter order
// and name case do not change the name.
//
// Example:
//
//	EntryName("wms_", ".png", r.URL.Query()) // wms_3f2a...9c.png
func EntryName(prefix, ext string, query url.Values) string {
	names := make([]string, 0, len(query))
	for k := range query {
		names = append(names, k)
	}
	// spellings of one name are merged in sorted order
	sort.Strings(names)
	canon := make(map[string][]string, len(query))
	for _, k := range names {
		lk := strings.ToLower(k)
		canon[lk] = append(canon[lk], query[k]...)
	}
	keys := make([]string, 0, len(canon))
	for k := range canon {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		for j, v := range canon[k] {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	sum := md5.Sum([]byte(b.String()))
	return prefix + hex.EncodeToString(sum[:]) + ext
}

type memEntry struct {
	data []byte
	used time.Time
}

// MemoryStore is an in-memory Store, used when no cache directory is
// configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]*memEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[Key]*memEntry),
		now:     time.Now,
	}
}

// Get implements Store. The returned slice is a copy.
func (m *MemoryStore) Get(key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]byte, len(e.data))
	copy(result, e.data)
	return result, nil
}

// Put implements Store.
func (m *MemoryStore) Put(key Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{data: stored, used: m.now()}
	return nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	e.used = m.now()
	return nil
}

// Purge implements Store.
func (m *MemoryStore) Purge(dir string) error {
	if err := validDir(dir); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.entries {
		if k.Dir == dir || strings.HasPrefix(k.Dir, dir+"/") {
			delete(m.entries, k)
		}
	}
	return nil
}

// Sweep implements Store.
func (m *MemoryStore) Sweep(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.entries {
		if e.used.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, e := range m.entries {
		s.Entries++
		s.Bytes += int64(len(e.data))
	}
	return s
}
