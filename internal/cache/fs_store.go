package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	indexFileName  = ".namespaces.json"
	entryExtension = ".entry"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<StoragePath>/.namespaces.json          # 命名空间创建顺序
//	<StoragePath>/<namespace>/<sha1>.entry  # 首行 JSON 元数据 + 原始正文
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		now:      time.Now,
	}
	s.seq.Store(uint64(time.Now().UnixNano()))
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；indexMu 保护命名空间索引。
type fileStore struct {
	basePath string
	now      func() time.Time
	seq      atomic.Uint64

	indexMu sync.Mutex
	order   []string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileNamespace struct {
	store *fileStore
	name  string
	dir   string
}

// entryHeader 是 .entry 文件的首行，Size 用于识别被截断的文件。
type entryHeader struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
	Seq      uint64      `json:"seq"`
	Size     int64       `json:"size"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validNamespaceName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, name)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", name, err)
	}
	if !slices.Contains(s.order, name) {
		s.order = append(s.order, name)
		if err := s.writeIndex(); err != nil {
			return nil, err
		}
	}
	return &fileNamespace{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !validNamespaceName(name) {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !validNamespaceName(name) {
		return false, nil
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	existed, err := s.Has(ctx, name)
	if err != nil {
		return false, err
	}
	if existed {
		if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
			return false, fmt.Errorf("delete namespace %s: %w", name, err)
		}
	}
	if slices.Contains(s.order, name) {
		s.order = slices.DeleteFunc(s.order, func(existing string) bool { return existing == name })
		if err := s.writeIndex(); err != nil {
			return existed, err
		}
	}
	return existed, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.reconcile()
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Entry, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		ns, _ := s.existingNamespace(name)
		entry, err := ns.Match(ctx, key)
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// existingNamespace 返回只读句柄，不创建目录也不登记索引；目录已被删除时 Match 返回 ErrNotFound。
func (s *fileStore) existingNamespace(name string) (Namespace, bool) {
	return &fileNamespace{store: s, name: name, dir: filepath.Join(s.basePath, name)}, true
}

// reconcile 以磁盘目录为准修正索引：索引中已消失的目录被剔除，
// 手工放入但未登记的目录按名称排序追加到末尾。调用方需持有 indexMu。
func (s *fileStore) reconcile() ([]string, error) {
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	present := make(map[string]struct{}, len(dirEntries))
	var extra []string
	for _, de := range dirEntries {
		if !de.IsDir() || !validNamespaceName(de.Name()) {
			continue
		}
		present[de.Name()] = struct{}{}
		if !slices.Contains(s.order, de.Name()) {
			extra = append(extra, de.Name())
		}
	}

	result := make([]string, 0, len(present))
	for _, name := range s.order {
		if _, ok := present[name]; ok {
			result = append(result, name)
		}
	}
	slices.Sort(extra)
	result = append(result, extra...)

	if !slices.Equal(result, s.order) {
		s.order = append([]string(nil), result...)
		if err := s.writeIndex(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *fileStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read namespace index: %w", err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("decode namespace index: %w", err)
	}
	s.order = names
	return nil
}

func (s *fileStore) writeIndex() error {
	data, err := json.Marshal(s.order)
	if err != nil {
		return err
	}
	return writeFileAtomic(context.Background(), filepath.Join(s.basePath, indexFileName), bytes.NewReader(data))
}

func (n *fileNamespace) Name() string {
	return n.name
}

func (n *fileNamespace) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := readEntry(n.entryPath(key), true)
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		// sha1 碰撞或文件被替换，视为未命中。
		return nil, ErrNotFound
	}
	return entry, nil
}

func (n *fileNamespace) Put(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("put %s: nil entry", key)
	}
	unlock := n.store.lockEntry(n.name, key)
	defer unlock()

	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return err
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = n.store.now().UTC()
	}
	header := entryHeader{
		Method:   key.Method,
		URL:      key.URL,
		Status:   entry.Status,
		Header:   entry.Header,
		StoredAt: storedAt,
		Seq:      n.store.seq.Add(1),
		Size:     int64(len(entry.Body)),
	}
	line, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode entry header: %w", err)
	}
	line = append(line, '\n')

	body := io.MultiReader(bytes.NewReader(line), bytes.NewReader(entry.Body))
	return writeFileAtomic(ctx, n.entryPath(key), body)
}

func (n *fileNamespace) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := n.store.lockEntry(n.name, key)
	defer unlock()

	if err := os.Remove(n.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (n *fileNamespace) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(n.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]*Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entryExtension) {
			continue
		}
		entry, err := readEntry(filepath.Join(n.dir, de.Name()), false)
		if err != nil {
			// 并发删除或损坏的文件直接跳过。
			continue
		}
		entries = append(entries, entry)
	}

	sortByStorageOrder(entries)
	keys := make([]Key, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}

func (n *fileNamespace) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(n.dir, hex.EncodeToString(sum[:])+entryExtension)
}

// readEntry 解析 .entry 文件；withBody=false 时只读取首行元数据。
func readEntry(path string, withBody bool) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read entry header %s: %w", path, err)
	}
	var header entryHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, fmt.Errorf("decode entry header %s: %w", path, err)
	}

	entry := &Entry{
		Key:      Key{Method: header.Method, URL: header.URL},
		Status:   header.Status,
		Header:   header.Header,
		StoredAt: header.StoredAt,
		Seq:      header.Seq,
	}
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	if !withBody {
		return entry, nil
	}

	body, err := io.ReadAll(io.LimitReader(reader, header.Size+1))
	if err != nil {
		return nil, fmt.Errorf("read entry body %s: %w", path, err)
	}
	if int64(len(body)) != header.Size {
		return nil, fmt.Errorf("entry %s truncated: want %d bytes, got %d", path, header.Size, len(body))
	}
	entry.Body = body
	return entry, nil
}

// writeFileAtomic 先写同目录临时文件再 rename，失败时清理临时文件。
func writeFileAtomic(ctx context.Context, target string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(namespace string, key Key) func() {
	lockKey := namespace + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
