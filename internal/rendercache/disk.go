package rendercache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tempMarker is part of every temporary file name; Get never matches one
// because entry names never contain it.
const tempMarker = ".tmp-"

// DiskStore keeps entries as files under a root directory:
// {root}/{Key.Dir}/{Key.Name}. Writes go to a temporary file in the same
// directory which is then renamed over the entry, so readers see either
// the old file, the new file, or no file.
type DiskStore struct {
	root string
}

// NewDiskStore returns a store rooted at root, creating it if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", root, err)
	}
	return &DiskStore{root: root}, nil
}

// Root returns the cache root directory.
func (d *DiskStore) Root() string { return d.root }

func (d *DiskStore) file(key Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if strings.Contains(key.Name, tempMarker) {
		return "", fmt.Errorf("invalid cache entry name %q", key.Name)
	}
	return filepath.Join(d.root, filepath.FromSlash(key.Path())), nil
}

// Get implements Store.
func (d *DiskStore) Get(key Key) ([]byte, error) {
	name, err := d.file(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Put implements Store.
func (d *DiskStore) Put(key Key, value []byte) error {
	name, err := d.file(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, key.Name+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into cache: %w", err)
	}
	return nil
}

// Touch implements Store by setting the file's modification time to now.
func (d *DiskStore) Touch(key Key) error {
	name, err := d.file(key)
	if err != nil {
		return err
	}
	now := time.Now()
	err = os.Chtimes(name, now, now)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// Purge implements Store.
func (d *DiskStore) Purge(dir string) error {
	if err := validDir(dir); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(d.root, filepath.FromSlash(dir)))
}

// Sweep implements Store. Abandoned temporary files older than cutoff are
// removed too but not counted.
func (d *DiskStore) Sweep(cutoff time.Time) (int, error) {
	n := 0
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if e.IsDir() {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if !strings.Contains(e.Name(), tempMarker) {
			n++
		}
		return nil
	})
	return n, err
}

// Stats implements Store.
func (d *DiskStore) Stats() Stats {
	var s Stats
	filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() || strings.Contains(e.Name(), tempMarker) {
			return nil
		}
		if info, err := e.Info(); err == nil {
			s.Entries++
			s.Bytes += info.Size()
		}
		return nil
	})
	return s
}
