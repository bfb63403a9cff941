package cache

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NewHotStorage 在 underlying 之前加一层按条目计数的 LRU，热点条目直接从内存返回。
// 写入与删除先落到 underlying，再失效对应的内存副本。
func NewHotStorage(underlying Storage, capacity int) (Storage, error) {
	if underlying == nil {
		return nil, errors.New("underlying storage is required")
	}
	c, err := lru.New[hotKey, *Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &hotStorage{underlying: underlying, entries: c}, nil
}

type hotKey struct {
	namespace string
	key       Key
}

type hotStorage struct {
	underlying Storage
	entries    *lru.Cache[hotKey, *Entry]

	// fillMu 串行化“回填”与“失效”，epoch 在每次失效时递增，
	// 读取期间发生过失效的回填会被丢弃。
	fillMu sync.Mutex
	epoch  uint64
}

type hotNamespace struct {
	Namespace
	parent *hotStorage
}

func (s *hotStorage) Open(ctx context.Context, name string) (Namespace, error) {
	ns, err := s.underlying.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &hotNamespace{Namespace: ns, parent: s}, nil
}

func (s *hotStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.underlying.Has(ctx, name)
}

func (s *hotStorage) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.underlying.Delete(ctx, name)
	s.invalidateNamespace(name)
	return deleted, err
}

func (s *hotStorage) Keys(ctx context.Context) ([]string, error) {
	return s.underlying.Keys(ctx)
}

// Match 按创建顺序逐个命名空间查找，命中的条目会进入 LRU。
// 查找过程不会创建命名空间，与并发的 Delete 交错时不会让已删除的名称复活。
func (s *hotStorage) Match(ctx context.Context, key Key) (*Entry, error) {
	names, err := s.underlying.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if entry, ok := s.entries.Get(hotKey{namespace: name, key: key}); ok {
			return entry.Clone(), nil
		}
		ns, ok, err := s.existingNamespace(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entry, err := ns.Match(ctx, key)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// namespaceLookup 由内置后端实现：按名称取得已存在的命名空间，不存在时不创建。
type namespaceLookup interface {
	existingNamespace(name string) (Namespace, bool)
}

func (s *hotStorage) existingNamespace(ctx context.Context, name string) (Namespace, bool, error) {
	if lookup, ok := s.underlying.(namespaceLookup); ok {
		ns, found := lookup.existingNamespace(name)
		if !found {
			return nil, false, nil
		}
		return &hotNamespace{Namespace: ns, parent: s}, true, nil
	}
	if found, err := s.underlying.Has(ctx, name); err != nil || !found {
		return nil, false, err
	}
	ns, err := s.Open(ctx, name)
	if err != nil {
		if errors.Is(err, ErrInvalidNamespace) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return ns, true, nil
}

func (s *hotStorage) invalidateNamespace(name string) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.epoch++
	for _, k := range s.entries.Keys() {
		if k.namespace == name {
			s.entries.Remove(k)
		}
	}
}

func (s *hotStorage) invalidateKey(k hotKey) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.epoch++
	s.entries.Remove(k)
}

func (s *hotStorage) currentEpoch() uint64 {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	return s.epoch
}

func (s *hotStorage) fill(k hotKey, entry *Entry, seen uint64) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if s.epoch == seen {
		s.entries.Add(k, entry)
	}
}

func (n *hotNamespace) Match(ctx context.Context, key Key) (*Entry, error) {
	k := hotKey{namespace: n.Name(), key: key}
	if entry, ok := n.parent.entries.Get(k); ok {
		return entry.Clone(), nil
	}
	seen := n.parent.currentEpoch()
	entry, err := n.Namespace.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	n.parent.fill(k, entry.Clone(), seen)
	return entry, nil
}

func (n *hotNamespace) Put(ctx context.Context, key Key, entry *Entry) error {
	err := n.Namespace.Put(ctx, key, entry)
	n.parent.invalidateKey(hotKey{namespace: n.Name(), key: key})
	return err
}

func (n *hotNamespace) Delete(ctx context.Context, key Key) (bool, error) {
	deleted, err := n.Namespace.Delete(ctx, key)
	n.parent.invalidateKey(hotKey{namespace: n.Name(), key: key})
	return deleted, err
}
