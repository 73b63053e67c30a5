package rendercache

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	disk, err := NewDiskStore(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"disk":   disk,
	}
}

func TestStoreContract(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{Dir: "ds1", Name: "wms_abc.png"}

			_, err := store.Get(key)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.Touch(key), ErrNotFound)

			require.NoError(t, store.Put(key, []byte("first")))
			require.NoError(t, store.Put(key, []byte("second")))
			got, err := store.Get(key)
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got)
			require.NoError(t, store.Touch(key))

			shared := Key{Dir: "_wms/Land", Name: "wms_def.png"}
			require.NoError(t, store.Put(shared, []byte("land")))
			assert.Equal(t, Stats{Entries: 2, Bytes: int64(len("second") + len("land"))}, store.Stats())

			require.NoError(t, store.Purge("ds1"))
			_, err = store.Get(key)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.Get(shared)
			assert.NoError(t, err, "purging one dataset keeps other entries")

			require.NoError(t, store.Purge("_wms"))
			assert.Equal(t, 0, store.Stats().Entries)
			assert.NoError(t, store.Purge("never-created"))
		})
	}
}

func TestInvalidKeys(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []Key{
				{Dir: "../escape", Name: "x.png"},
				{Dir: "/abs", Name: "x.png"},
				{Dir: "", Name: "x.png"},
				{Dir: "a//b", Name: "x.png"},
				{Dir: "ds", Name: "a/b.png"},
				{Dir: "ds", Name: ".."},
				{Dir: "ds", Name: ""},
			} {
				assert.Error(t, store.Put(key, []byte("x")), "key %+v", key)
			}
			assert.Error(t, store.Purge(".."))
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	key := Key{Dir: "ds", Name: "a.png"}
	value := []byte("abc")
	require.NoError(t, store.Put(key, value))
	value[0] = 'X'

	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	got[1] = 'Y'

	again, _ := store.Get(key)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	old := Key{Dir: "ds", Name: "old.png"}
	touched := Key{Dir: "_wms/Land", Name: "touched.png"}
	require.NoError(t, store.Put(old, []byte("o")))
	require.NoError(t, store.Put(touched, []byte("t")))

	now = now.Add(2 * time.Hour)
	require.NoError(t, store.Touch(touched))

	n, err := store.Sweep(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Get(touched)
	assert.NoError(t, err)
	_, err = store.Get(old)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStoreSweep(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	old := Key{Dir: "ds", Name: "old.png"}
	fresh := Key{Dir: "ds", Name: "fresh.png"}
	require.NoError(t, store.Put(old, []byte("o")))
	require.NoError(t, store.Put(fresh, []byte("f")))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(store.Root(), "ds", "old.png"), past, past))
	abandoned := filepath.Join(store.Root(), "ds", "x.png"+tempMarker+"123")
	require.NoError(t, os.WriteFile(abandoned, []byte("partial"), 0o644))
	require.NoError(t, os.Chtimes(abandoned, past, past))

	n, err := store.Sweep(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, abandoned)
	_, err = store.Get(fresh)
	assert.NoError(t, err)
	_, err = store.Get(old)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStoreNeverExposesPartialWrites(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	key := Key{Dir: "ds", Name: "race.png"}

	payloads := make([][]byte, 8)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 64*1024)
	}

	var wg sync.WaitGroup
	for i := range payloads {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := store.Put(key, p); err != nil {
					t.Errorf("put: %v", err)
					return
				}
			}
		}(payloads[i])
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got, err := store.Get(key)
				if err == ErrNotFound {
					continue
				}
				if err != nil {
					t.Errorf("get: %v", err)
					return
				}
				if len(got) != 64*1024 || !bytes.Equal(got, bytes.Repeat(got[:1], len(got))) {
					t.Errorf("observed a partial or mixed entry of %d bytes", len(got))
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.Stats().Entries, "temporary files must not remain")
}

func TestEntryName(t *testing.T) {
	a, err := url.ParseQuery("bbox=-10,-10,10,10&width=100&LAYERS=ds1:temp&styles=")
	require.NoError(t, err)
	b, err := url.ParseQuery("styles=&layers=ds1:temp&width=100&bbox=-10,-10,10,10")
	require.NoError(t, err)
	c, err := url.ParseQuery("styles=&layers=ds1:temp&width=101&bbox=-10,-10,10,10")
	require.NoError(t, err)

	name := EntryName("wms_", ".png", a)
	assert.Equal(t, name, EntryName("wms_", ".png", b), "parameter order and name case do not matter")
	assert.NotEqual(t, name, EntryName("wms_", ".png", c))
	assert.Regexp(t, `^wms_[0-9a-f]{32}\.png$`, name)
	assert.NoError(t, Key{Dir: "ds1", Name: name}.Validate())
}

func TestEntryNameMixedCaseRepeats(t *testing.T) {
	q, err := url.ParseQuery("layers=b&LAYERS=a&Layers=c&width=10")
	require.NoError(t, err)
	want := EntryName("wms_", ".png", q)
	for i := 0; i < 50; i++ {
		assert.Equal(t, want, EntryName("wms_", ".png", q))
	}

	swapped, err := url.ParseQuery("layers=a&LAYERS=b&Layers=c&width=10")
	require.NoError(t, err)
	assert.NotEqual(t, want, EntryName("wms_", ".png", swapped), "values stay bound to their spelling")
}

func BenchmarkMemoryStorePut(b *testing.B) {
	store := NewMemoryStore()
	value := make([]byte, 4096)
	for i := 0; i < b.N; i++ {
		_ = store.Put(Key{Dir: "ds", Name: fmt.Sprintf("k%d.png", i%1024)}, value)
	}
}
