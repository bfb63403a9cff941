package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理全部命名空间。Keys 按创建顺序返回名称，Match 也按该顺序查找，
// 与浏览器 CacheStorage.match 的语义保持一致。
type Storage interface {
	// Open 返回指定命名空间，不存在时创建。
	Open(ctx context.Context, name string) (Namespace, error)

	// Has 判断命名空间是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个命名空间，返回是否确实删除了内容。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回现存命名空间名称（创建顺序）。
	Keys(ctx context.Context) ([]string, error)

	// Match 在所有命名空间中查找第一个命中的条目，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)
}

// Namespace 是一个命名分区，内部条目按写入时间排序。
type Namespace interface {
	Name() string

	// Match 返回条目副本，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Entry, error)

	// Put 以 key 覆盖写入条目。实现需保证写入原子：读者要么看到旧值，要么看到完整的新值。
	Put(ctx context.Context, key Key, entry *Entry) error

	// Delete 删除单个条目，返回是否存在。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 按写入先后返回全部 key，最旧的在前。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目：大写方法 + 去掉 fragment 的完整 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化请求方法与 URL 后构建 Key。
func NewKey(method string, u *url.URL) Key {
	if method == "" {
		method = http.MethodGet
	}
	target := ""
	if u != nil {
		clone := *u
		clone.Fragment = ""
		clone.RawFragment = ""
		clone.Scheme = strings.ToLower(clone.Scheme)
		clone.Host = strings.ToLower(clone.Host)
		if clone.Path == "" {
			clone.Path = "/"
		}
		target = clone.String()
	}
	return Key{Method: strings.ToUpper(method), URL: target}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 是一次响应的完整快照：状态码、头部、正文，以及存储顺序信息。
type Entry struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	// Seq 由存储在写入时分配，单调递增，用于在 StoredAt 相同时保持顺序。
	Seq uint64
}

// Clone 深拷贝条目，保证调用方修改不会影响已存储的数据。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Header = e.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if e.Body != nil {
		clone.Body = append([]byte(nil), e.Body...)
	}
	return &clone
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidNamespace 表示命名空间名称为空或无法安全映射到存储。
var ErrInvalidNamespace = errors.New("invalid cache namespace")

// validNamespaceName 拒绝会逃逸存储根目录或与内部文件冲突的名称。
func validNamespaceName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
