package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eplnewshub/newshub-edge/internal/cache"
	"github.com/eplnewshub/newshub-edge/internal/config"
	"github.com/eplnewshub/newshub-edge/internal/logging"
)

// Handle 按 Classify 的结果执行对应策略。
// 返回 error 时调用方应向客户端呈现网络失败；errors.Is(err, ErrTotalMiss)
// 表示网络与缓存都不可用。
func (e *Engine) Handle(ctx context.Context, req *Request) (*Result, error) {
	started := time.Now()
	strategy := e.Classify(req)

	var (
		result *Result
		err    error
	)
	switch strategy {
	case StrategyNetworkFirst:
		result, err = e.networkFirst(ctx, req)
	case StrategyCacheFirst:
		result, err = e.cacheFirst(ctx, req)
	case StrategyNetworkTimeout:
		result, err = e.networkTimeout(ctx, req)
	default:
		result, err = e.passthrough(ctx, req)
	}

	if err != nil {
		if errors.Is(err, ErrTotalMiss) {
			e.metrics.ObserveTotalMiss(string(strategy))
		}
		return nil, err
	}
	e.metrics.ObserveRequest(string(strategy), string(result.Source), time.Since(started))
	return result, nil
}

func (e *Engine) passthrough(ctx context.Context, req *Request) (*Result, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Strategy: StrategyPassthrough, Source: SourceNetwork}, nil
}

// networkFirst 优先网络，成功（2xx）时写入 runtime；网络失败时查全部命名空间。
func (e *Engine) networkFirst(ctx context.Context, req *Request) (*Result, error) {
	key := req.Key()
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.OK() {
			e.writeThrough(e.opts.RuntimeCache, req, resp)
		}
		return &Result{Response: resp, Strategy: StrategyNetworkFirst, Source: SourceNetwork}, nil
	}

	if cached := e.lookup(ctx, key); cached != nil {
		return &Result{Response: cached, Strategy: StrategyNetworkFirst, Source: SourceCache}, nil
	}
	return e.totalMiss(ctx, req, StrategyNetworkFirst, err)
}

// cacheFirst 命中任意命名空间即返回，不访问网络；未命中时回源，
// 仅 200 响应会被写入（图片进入 image 命名空间）。
func (e *Engine) cacheFirst(ctx context.Context, req *Request) (*Result, error) {
	key := req.Key()
	if cached := e.lookup(ctx, key); cached != nil {
		return &Result{Response: cached, Strategy: StrategyCacheFirst, Source: SourceCache}, nil
	}

	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return e.totalMiss(ctx, req, StrategyCacheFirst, err)
	}
	if resp.Status == http.StatusOK {
		namespace := e.opts.RuntimeCache
		if e.isImage(req.URL) {
			namespace = e.opts.ImageCache
		}
		e.writeThrough(namespace, req, resp)
	}
	return &Result{Response: resp, Strategy: StrategyCacheFirst, Source: SourceNetwork}, nil
}

// networkTimeout 让网络请求与计时器赛跑。计时器先到时返回缓存副本；
// 没有缓存则继续等待同一个在途请求，不会重新发起。
func (e *Engine) networkTimeout(ctx context.Context, req *Request) (*Result, error) {
	key := req.Key()
	// 在途的网络请求也计入 writes，Flush 会等它完成写入。
	e.writes.Add(1)
	race := RaceWithFallback(ctx,
		func(primaryCtx context.Context) (*Response, error) {
			defer e.writes.Done()
			resp, err := e.fetcher.Fetch(primaryCtx, req)
			if err == nil && resp.OK() {
				e.writeThrough(e.opts.RuntimeCache, req, resp)
			}
			return resp, err
		},
		e.opts.NetworkTimeout,
		func(fallbackCtx context.Context) (*Response, error) {
			if cached := e.lookup(fallbackCtx, key); cached != nil {
				return cached, nil
			}
			return nil, cache.ErrNotFound
		},
	)

	if race.Source == SourcePrimary {
		if race.Err == nil {
			return &Result{Response: race.Value, Strategy: StrategyNetworkTimeout, Source: SourceNetwork}, nil
		}
		if cached := e.lookup(ctx, key); cached != nil {
			return &Result{Response: cached, Strategy: StrategyNetworkTimeout, Source: SourceCache}, nil
		}
		return e.totalMiss(ctx, req, StrategyNetworkTimeout, race.Err)
	}

	if race.Err == nil {
		return &Result{Response: race.Value, Strategy: StrategyNetworkTimeout, Source: SourceCache}, nil
	}
	resp, err := race.AwaitPrimary(ctx)
	if err != nil {
		return e.totalMiss(ctx, req, StrategyNetworkTimeout, err)
	}
	return &Result{Response: resp, Strategy: StrategyNetworkTimeout, Source: SourceNetwork}, nil
}

// totalMiss 在配置了 offline-page 时为 HTML 请求返回预缓存的离线页，否则返回 ErrTotalMiss。
func (e *Engine) totalMiss(ctx context.Context, req *Request, strategy Strategy, cause error) (*Result, error) {
	if e.opts.OnTotalMiss == config.TotalMissOfflinePage && e.opts.OfflinePage != "" && req.AcceptsHTML() {
		if u, err := e.resolve(e.opts.OfflinePage); err == nil {
			if page := e.lookup(ctx, cache.NewKey(http.MethodGet, u)); page != nil {
				return &Result{Response: page, Strategy: strategy, Source: SourceOffline}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrTotalMiss, cause)
}

// lookup 查询全部命名空间，未命中或存储出错都返回 nil。
func (e *Engine) lookup(ctx context.Context, key cache.Key) *Response {
	entry, err := e.storage.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) && ctx.Err() == nil {
			e.logger.WithError(err).WithField("key", key.String()).Warn("cache_match_failed")
		}
		return nil
	}
	return responseFromEntry(entry)
}

// writeThrough 复制响应后在后台写入命名空间，失败只记录日志与指标。
// 只属于单个客户端的响应（见 sharedCacheable）直接跳过。
func (e *Engine) writeThrough(namespace string, req *Request, resp *Response) {
	key := req.Key()
	if !sharedCacheable(req, resp) {
		e.logger.WithFields(logging.NamespaceFields("write_through", namespace)).
			WithField("key", key.String()).Debug("cache_write_skipped_private")
		return
	}
	snapshot := entryFromResponse(resp.Clone())
	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.WriteTimeout)
		defer cancel()

		err := e.store(ctx, namespace, key, snapshot)
		e.metrics.ObserveCacheWrite(namespace, err)
		if err != nil {
			e.logger.WithFields(logging.NamespaceFields("write_through", namespace)).
				WithField("key", key.String()).
				WithError(err).Warn("cache_write_failed")
		}
	}()
}

func (e *Engine) store(ctx context.Context, namespace string, key cache.Key, entry *cache.Entry) error {
	ns, err := e.storage.Open(ctx, namespace)
	if err != nil {
		return err
	}
	if err := ns.Put(ctx, key, entry); err != nil {
		return err
	}
	if namespace == e.opts.ImageCache && e.opts.ImageCacheMaxEntries > 0 {
		return e.trim(ctx, ns, e.opts.ImageCacheMaxEntries)
	}
	return nil
}

// trim 按写入先后删除最旧的条目，直到命名空间不超过 limit。
func (e *Engine) trim(ctx context.Context, ns cache.Namespace, limit int) error {
	e.trimMu.Lock()
	defer e.trimMu.Unlock()

	keys, err := ns.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys[:max(0, len(keys)-limit)] {
		if _, err := ns.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
