package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// NewMemoryStorage 返回进程内存储，重启即丢失，适合测试与 StorageMode=memory。
func NewMemoryStorage() Storage {
	return &memoryStorage{
		spaces: make(map[string]*memoryNamespace),
		now:    time.Now,
	}
}

type memoryStorage struct {
	mu     sync.RWMutex
	order  []string
	spaces map[string]*memoryNamespace
	seq    atomic.Uint64
	now    func() time.Time
}

type memoryNamespace struct {
	name    string
	parent  *memoryStorage
	mu      sync.RWMutex
	entries map[Key]*Entry
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validNamespaceName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.spaces[name]; ok {
		return ns, nil
	}
	ns := &memoryNamespace{
		name:    name,
		parent:  s,
		entries: make(map[Key]*Entry),
	}
	s.spaces[name] = ns
	s.order = append(s.order, name)
	return ns, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spaces[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[name]; !ok {
		return false, nil
	}
	delete(s.spaces, name)
	s.order = slices.DeleteFunc(s.order, func(existing string) bool { return existing == name })
	return true, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	spaces := make([]*memoryNamespace, 0, len(s.order))
	for _, name := range s.order {
		spaces = append(spaces, s.spaces[name])
	}
	s.mu.RUnlock()

	for _, ns := range spaces {
		if entry, err := ns.Match(ctx, key); err == nil {
			return entry, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStorage) existingNamespace(name string) (Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.spaces[name]
	if !ok {
		return nil, false
	}
	return ns, true
}

func (n *memoryNamespace) Name() string {
	return n.name
}

func (n *memoryNamespace) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	entry, ok := n.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (n *memoryNamespace) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("put %s: nil entry", key)
	}
	stored := entry.Clone()
	stored.Key = key
	if stored.StoredAt.IsZero() {
		stored.StoredAt = n.parent.now().UTC()
	}
	stored.Seq = n.parent.seq.Add(1)

	n.mu.Lock()
	n.entries[key] = stored
	n.mu.Unlock()
	return nil
}

func (n *memoryNamespace) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[key]; !ok {
		return false, nil
	}
	delete(n.entries, key)
	return true, nil
}

func (n *memoryNamespace) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	entries := make([]*Entry, 0, len(n.entries))
	for _, entry := range n.entries {
		entries = append(entries, entry)
	}
	n.mu.RUnlock()

	sortByStorageOrder(entries)
	keys := make([]Key, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}

// sortByStorageOrder 以 Seq 升序排列，最早写入的条目在前。
func sortByStorageOrder(entries []*Entry) {
	slices.SortFunc(entries, func(a, b *Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		default:
			return a.StoredAt.Compare(b.StoredAt)
		}
	})
}
