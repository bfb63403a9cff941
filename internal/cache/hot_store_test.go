package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newHotOverDisk(t *testing.T, capacity int) (Storage, Storage) {
	t.Helper()
	disk, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create disk store: %v", err)
	}
	hot, err := NewHotStorage(disk, capacity)
	if err != nil {
		t.Fatalf("create hot store: %v", err)
	}
	return hot, disk
}

func TestHotStorageServesFromMemory(t *testing.T) {
	ctx := context.Background()
	hot, disk := newHotOverDisk(t, 4)
	ns, _ := hot.Open(ctx, "epl-news-v1")
	key := mustKey(t, "https://www.eplnewshub.com/optimized-styles.css")
	if err := ns.Put(ctx, key, sampleEntry("css")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := ns.Match(ctx, key); err != nil {
		t.Fatalf("warm match: %v", err)
	}

	// 删除磁盘文件后仍能命中内存副本。
	diskNS, _ := disk.Open(ctx, "epl-news-v1")
	if err := os.Remove(diskNS.(*fileNamespace).entryPath(key)); err != nil {
		t.Fatalf("remove entry file: %v", err)
	}
	entry, err := hot.Match(ctx, key)
	if err != nil || string(entry.Body) != "css" {
		t.Fatalf("hot entry should be served: %v %v", entry, err)
	}

	entry.Body[0] = 'X'
	again, _ := ns.Match(ctx, key)
	if string(again.Body) != "css" {
		t.Fatalf("hot entry must not alias caller buffer")
	}
}

func TestHotStoragePutInvalidates(t *testing.T) {
	ctx := context.Background()
	hot, _ := newHotOverDisk(t, 4)
	ns, _ := hot.Open(ctx, "epl-runtime-v1")
	key := mustKey(t, "https://www.eplnewshub.com/api/news")
	_ = ns.Put(ctx, key, sampleEntry("v1"))
	_, _ = ns.Match(ctx, key)

	if err := ns.Put(ctx, key, sampleEntry("v2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, err := hot.Match(ctx, key)
	if err != nil || string(entry.Body) != "v2" {
		t.Fatalf("overwrite must invalidate hot copy: %v %v", entry, err)
	}

	if removed, _ := ns.Delete(ctx, key); !removed {
		t.Fatalf("delete should report removal")
	}
	if _, err := ns.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted entry must not be served from memory: %v", err)
	}
}

func TestHotStorageDeleteNamespacePurges(t *testing.T) {
	ctx := context.Background()
	hot, _ := newHotOverDisk(t, 4)
	ns, _ := hot.Open(ctx, "epl-news-v0")
	key := mustKey(t, "https://www.eplnewshub.com/")
	_ = ns.Put(ctx, key, sampleEntry("old shell"))
	_, _ = hot.Match(ctx, key)

	if _, err := hot.Delete(ctx, "epl-news-v0"); err != nil {
		t.Fatalf("delete namespace: %v", err)
	}
	if _, err := hot.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged namespace must not match: %v", err)
	}
}

func TestNewHotStorageValidates(t *testing.T) {
	if _, err := NewHotStorage(nil, 4); err == nil {
		t.Fatalf("nil underlying should fail")
	}
	if _, err := NewHotStorage(NewMemoryStorage(), 0); err == nil {
		t.Fatalf("zero capacity should fail")
	}
}

// staleKeysStorage 的 Keys 固定返回构造时的名称列表，模拟与 Delete 交错的旧快照。
type staleKeysStorage struct {
	Storage
	names []string
}

func (s staleKeysStorage) Keys(context.Context) ([]string, error) {
	return append([]string(nil), s.names...), nil
}

type staleKeysWithLookup struct {
	staleKeysStorage
}

func (s staleKeysWithLookup) existingNamespace(name string) (Namespace, bool) {
	return s.Storage.(namespaceLookup).existingNamespace(name)
}

func TestHotStorageMatchDoesNotRecreateDeletedNamespace(t *testing.T) {
	cases := map[string]func(Storage, []string) Storage{
		"lookup": func(disk Storage, names []string) Storage {
			return staleKeysWithLookup{staleKeysStorage{Storage: disk, names: names}}
		},
		"has-fallback": func(disk Storage, names []string) Storage {
			return staleKeysStorage{Storage: disk, names: names}
		},
	}
	for name, wrap := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			disk, err := NewStore(dir)
			if err != nil {
				t.Fatalf("create disk store: %v", err)
			}
			ns, _ := disk.Open(ctx, "epl-news-v0")
			key := mustKey(t, "https://www.eplnewshub.com/")
			_ = ns.Put(ctx, key, sampleEntry("old shell"))
			names, _ := disk.Keys(ctx)

			hot, err := NewHotStorage(wrap(disk, names), 4)
			if err != nil {
				t.Fatalf("create hot store: %v", err)
			}
			if _, err := disk.Delete(ctx, "epl-news-v0"); err != nil {
				t.Fatalf("delete: %v", err)
			}

			if _, err := hot.Match(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("deleted namespace must not match: %v", err)
			}
			if ok, _ := disk.Has(ctx, "epl-news-v0"); ok {
				t.Fatalf("match must not recreate a deleted namespace")
			}
			if _, err := os.Stat(filepath.Join(dir, "epl-news-v0")); !os.IsNotExist(err) {
				t.Fatalf("namespace directory should stay removed: %v", err)
			}
		})
	}
}
