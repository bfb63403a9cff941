package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eplnewshub/newshub-edge/internal/cache"
	"github.com/eplnewshub/newshub-edge/internal/config"
	"github.com/eplnewshub/newshub-edge/internal/logging"
)

const (
	defaultNetworkTimeout = 3 * time.Second
	defaultWriteTimeout   = 10 * time.Second
)

// Recorder 接收引擎事件，metrics.Metrics 满足该接口。
type Recorder interface {
	ObserveRequest(strategy, source string, elapsed time.Duration)
	ObserveTotalMiss(strategy string)
	ObserveCacheWrite(namespace string, err error)
	ObserveLifecycle(phase string, err error)
}

type noopRecorder struct{}

func (noopRecorder) ObserveRequest(string, string, time.Duration) {}
func (noopRecorder) ObserveTotalMiss(string)                      {}
func (noopRecorder) ObserveCacheWrite(string, error)              {}
func (noopRecorder) ObserveLifecycle(string, error)               {}

// Options 描述构建 Engine 所需的依赖与策略参数。
type Options struct {
	Storage cache.Storage
	Fetcher Fetcher
	Logger  *logrus.Logger
	Metrics Recorder

	// Origin 用于把清单路径与离线页路径解析为绝对 URL。
	Origin *url.URL

	StaticCache          string
	RuntimeCache         string
	ImageCache           string
	ImageCacheMaxEntries int

	Manifest         []string
	StaticExtensions []string
	ImageExtensions  []string
	BypassHosts      []string

	NetworkTimeout time.Duration
	WriteTimeout   time.Duration

	OnTotalMiss config.TotalMissPolicy
	OfflinePage string
}

// OptionsFromConfig 将配置文件映射为 Options，依赖项由调用方补齐。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Origin:               cfg.OriginURL(),
		StaticCache:          cfg.Cache.StaticCache,
		RuntimeCache:         cfg.Cache.RuntimeCache,
		ImageCache:           cfg.Cache.ImageCache,
		ImageCacheMaxEntries: cfg.Cache.ImageCacheMaxEntries,
		Manifest:             cfg.Cache.Manifest,
		StaticExtensions:     cfg.Cache.StaticExtensions,
		ImageExtensions:      cfg.Cache.ImageExtensions,
		BypassHosts:          cfg.Cache.BypassHosts,
		NetworkTimeout:       cfg.Cache.NetworkTimeout.DurationValue(),
		WriteTimeout:         cfg.Cache.WriteTimeout.DurationValue(),
		OnTotalMiss:          cfg.Cache.TotalMiss(),
		OfflinePage:          cfg.Cache.OfflinePage,
	}
}

// Engine 是缓存策略引擎，Handle 可被任意多个 goroutine 并发调用。
type Engine struct {
	opts    Options
	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger
	metrics Recorder

	staticExt map[string]struct{}
	imageExt  map[string]struct{}
	bypass    map[string]struct{}

	mu          sync.RWMutex
	phase       Phase
	controlling bool
	lastErr     error

	lifecycleMu sync.Mutex
	trimMu      sync.Mutex
	writes      sync.WaitGroup
}

// New 校验 Options 并返回处于 parsed 阶段的引擎。
func New(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("absolute origin is required")
	}
	if opts.StaticCache == "" || opts.RuntimeCache == "" {
		return nil, errors.New("static and runtime namespace names are required")
	}
	if opts.StaticCache == opts.RuntimeCache || (opts.ImageCache != "" &&
		(opts.ImageCache == opts.StaticCache || opts.ImageCache == opts.RuntimeCache)) {
		return nil, errors.New("namespace names must be distinct")
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = defaultNetworkTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.OnTotalMiss == "" {
		opts.OnTotalMiss = config.TotalMissFail
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopRecorder{}
	}

	return &Engine{
		opts:      opts,
		storage:   opts.Storage,
		fetcher:   opts.Fetcher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		staticExt: toSet(opts.StaticExtensions, normalizeExt),
		imageExt:  toSet(opts.ImageExtensions, normalizeExt),
		bypass:    toSet(opts.BypassHosts, strings.ToLower),
		phase:     PhaseParsed,
	}, nil
}

// Controlling 表示激活完成、引擎开始接管请求。
func (e *Engine) Controlling() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.controlling
}

// Phase 返回当前生命周期阶段。
func (e *Engine) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := Status{
		Phase:        e.phase,
		Controlling:  e.controlling,
		StaticCache:  e.opts.StaticCache,
		RuntimeCache: e.opts.RuntimeCache,
		ImageCache:   e.opts.ImageCache,
	}
	if e.lastErr != nil {
		status.LastError = e.lastErr.Error()
	}
	return status
}

// Namespaces 列出存储中的全部命名空间及条目数，当前版本引用的命名空间带有 Role。
func (e *Engine) Namespaces(ctx context.Context) ([]NamespaceInfo, error) {
	names, err := e.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]NamespaceInfo, 0, len(names))
	for _, name := range names {
		ns, err := e.storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := ns.Keys(ctx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, NamespaceInfo{Name: name, Role: e.role(name), Entries: len(keys)})
	}
	return infos, nil
}

// Flush 阻塞直到已发起的缓存写入与后台在途请求全部结束。
func (e *Engine) Flush() {
	e.writes.Wait()
}

// Classify 按请求形态选择策略，不产生任何副作用。
func (e *Engine) Classify(req *Request) Strategy {
	if !e.Controlling() {
		return StrategyPassthrough
	}
	if req.Method != "GET" {
		return StrategyPassthrough
	}
	if req.URL == nil {
		return StrategyPassthrough
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
	default:
		return StrategyPassthrough
	}
	if _, ok := e.bypass[strings.ToLower(req.URL.Hostname())]; ok {
		return StrategyPassthrough
	}
	if req.AcceptsHTML() {
		return StrategyNetworkFirst
	}
	if _, ok := e.staticExt[extensionOf(req.URL)]; ok {
		return StrategyCacheFirst
	}
	return StrategyNetworkTimeout
}

func (e *Engine) role(name string) string {
	switch name {
	case e.opts.StaticCache:
		return "static"
	case e.opts.RuntimeCache:
		return "runtime"
	case e.opts.ImageCache:
		if name != "" {
			return "image"
		}
	}
	return ""
}

func (e *Engine) isCurrent(name string) bool {
	return e.role(name) != ""
}

func (e *Engine) isImage(u *url.URL) bool {
	if e.opts.ImageCache == "" {
		return false
	}
	_, ok := e.imageExt[extensionOf(u)]
	return ok
}

// resolve 把站内路径解析为源站绝对 URL。
func (e *Engine) resolve(p string) (*url.URL, error) {
	u, err := e.opts.Origin.Parse(p)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p, err)
	}
	return u, nil
}

func (e *Engine) setPhase(phase Phase, err error) {
	e.mu.Lock()
	e.phase = phase
	if err != nil {
		e.lastErr = err
	}
	e.mu.Unlock()
	e.logger.WithFields(logging.NamespaceFields("lifecycle", e.opts.StaticCache)).
		WithField("phase", string(phase)).Debug("phase_changed")
}

// extensionOf 只看 URL 路径的最后一段，查询串不参与判断。
func extensionOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return normalizeExt(path.Ext(u.Path))
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

func toSet(values []string, normalize func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		if v := normalize(value); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
