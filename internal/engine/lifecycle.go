package engine

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eplnewshub/newshub-edge/internal/logging"
)

// Install 并发拉取预缓存清单，全部返回 2xx 后才写入静态命名空间。
// 任何一项失败都会让引擎进入 redundant 并返回包装了首个错误的 ErrInstallFailed，
// 此时静态命名空间不会出现新的内容。
//
// 例外：若静态命名空间已由先前的进程完整写入（清单中每一项都在），
// 引擎沿用这份缓存进入 installed 并返回 nil，lastErr 保留本次失败原因。
// 持久化存储重启时源站不可达就走这条路径。
func (e *Engine) Install(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	switch phase := e.Phase(); phase {
	case PhaseParsed, PhaseRedundant:
	default:
		return fmt.Errorf("install from %s: %w", phase, ErrInvalidPhase)
	}
	e.setPhase(PhaseInstalling, nil)

	err := e.install(ctx)
	e.metrics.ObserveLifecycle("install", err)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInstallFailed, err)
		if e.staticComplete(ctx) {
			e.setPhase(PhaseInstalled, err)
			e.logger.WithFields(logging.NamespaceFields("install", e.opts.StaticCache)).
				WithError(err).Warn("install_failed_reusing_cache")
			return nil
		}
		e.setPhase(PhaseRedundant, err)
		e.logger.WithFields(logging.NamespaceFields("install", e.opts.StaticCache)).
			WithError(err).Error("install_failed")
		return err
	}

	e.setPhase(PhaseInstalled, nil)
	e.logger.WithFields(logging.NamespaceFields("install", e.opts.StaticCache)).
		WithField("entries", len(e.opts.Manifest)).Info("install_complete")
	return nil
}

func (e *Engine) manifestRequests() ([]*Request, error) {
	requests := make([]*Request, len(e.opts.Manifest))
	for i, p := range e.opts.Manifest {
		u, err := e.resolve(p)
		if err != nil {
			return nil, err
		}
		requests[i] = &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	}
	return requests, nil
}

// staticComplete 判断当前静态命名空间是否已包含清单中的每一项。
// 只读检查，不会创建命名空间。
func (e *Engine) staticComplete(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)
	requests, err := e.manifestRequests()
	if err != nil {
		return false
	}
	ok, err := e.storage.Has(ctx, e.opts.StaticCache)
	if err != nil || !ok {
		return false
	}
	ns, err := e.storage.Open(ctx, e.opts.StaticCache)
	if err != nil {
		return false
	}
	for _, req := range requests {
		if _, err := ns.Match(ctx, req.Key()); err != nil {
			return false
		}
	}
	return true
}

func (e *Engine) install(ctx context.Context) error {
	requests, err := e.manifestRequests()
	if err != nil {
		return err
	}

	responses := make([]*Response, len(requests))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, req := range requests {
		group.Go(func() error {
			resp, err := e.fetcher.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL.Path, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", req.URL.Path, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	existed, err := e.storage.Has(ctx, e.opts.StaticCache)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", e.opts.StaticCache, err)
	}
	ns, err := e.storage.Open(ctx, e.opts.StaticCache)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.opts.StaticCache, err)
	}
	for i, req := range requests {
		if err := ns.Put(ctx, req.Key(), entryFromResponse(responses[i])); err != nil {
			if !existed {
				// 回滚到安装前的状态，避免留下半成品命名空间。
				_, _ = e.storage.Delete(context.WithoutCancel(ctx), e.opts.StaticCache)
			}
			return fmt.Errorf("store %s: %w", req.URL.Path, err)
		}
	}
	return nil
}

// Activate 删除当前版本未引用的全部命名空间并接管请求，返回被删除的名称。
// 在 activated 状态下重复调用是安全的。
func (e *Engine) Activate(ctx context.Context) ([]string, error) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	switch phase := e.Phase(); phase {
	case PhaseInstalled, PhaseActivated:
	default:
		return nil, fmt.Errorf("activate from %s: %w", phase, ErrNotInstalled)
	}
	wasActive := e.Phase() == PhaseActivated
	if !wasActive {
		e.setPhase(PhaseActivating, nil)
	}

	deleted, err := e.deleteNamespaces(ctx, func(name string) bool { return !e.isCurrent(name) })
	e.metrics.ObserveLifecycle("activate", err)
	if err != nil {
		if !wasActive {
			// 清理失败不影响已安装的内容，允许稍后重试。
			e.setPhase(PhaseInstalled, err)
		}
		return deleted, fmt.Errorf("activate: %w", err)
	}

	e.mu.Lock()
	e.phase = PhaseActivated
	e.controlling = true
	e.mu.Unlock()

	for _, name := range deleted {
		e.logger.WithFields(logging.NamespaceFields("activate", name)).Info("namespace_deleted")
	}
	e.logger.WithFields(logging.NamespaceFields("activate", e.opts.StaticCache)).
		WithField("deleted", len(deleted)).Info("activate_complete")
	return deleted, nil
}

// Clear 删除全部命名空间，包括当前版本，返回被删除的名称。
func (e *Engine) Clear(ctx context.Context) ([]string, error) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	deleted, err := e.deleteNamespaces(ctx, func(string) bool { return true })
	if err != nil {
		return deleted, fmt.Errorf("clear: %w", err)
	}
	e.logger.WithFields(logging.NamespaceFields("clear", "*")).
		WithField("deleted", len(deleted)).Warn("caches_cleared")
	return deleted, nil
}

func (e *Engine) deleteNamespaces(ctx context.Context, match func(string) bool) ([]string, error) {
	names, err := e.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	var (
		mu      sync.Mutex
		deleted []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		if !match(name) {
			continue
		}
		group.Go(func() error {
			ok, err := e.storage.Delete(groupCtx, name)
			if err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			if ok {
				mu.Lock()
				deleted = append(deleted, name)
				mu.Unlock()
			}
			return nil
		})
	}
	err = group.Wait()

	// 以存储顺序返回，便于日志与测试断言。
	slices.SortStableFunc(deleted, func(a, b string) int {
		return slices.Index(names, a) - slices.Index(names, b)
	})
	return deleted, err
}
