package engine

import (
	"context"
	"sync"
	"time"
)

// RaceSource 标识 RaceWithFallback 的结果由哪一方给出。
type RaceSource int

const (
	SourcePrimary RaceSource = iota
	SourceFallback
)

func (s RaceSource) String() string {
	if s == SourceFallback {
		return "fallback"
	}
	return "primary"
}

type outcome[T any] struct {
	value T
	err   error
}

// RaceResult 是 RaceWithFallback 的判别结果。Source 为 SourceFallback 时，
// Value/Err 来自 fallback，主任务仍在后台运行，可通过 AwaitPrimary 获取。
type RaceResult[T any] struct {
	Source RaceSource
	Value  T
	Err    error

	pending *pendingPrimary[T]
}

type pendingPrimary[T any] struct {
	ch   <-chan outcome[T]
	once sync.Once
	out  outcome[T]
	done chan struct{}
}

// AwaitPrimary 等待主任务结束并返回其结果，可重复调用。
// 主任务已先行返回时直接给出同一结果。
func (r RaceResult[T]) AwaitPrimary(ctx context.Context) (T, error) {
	if r.pending == nil {
		return r.Value, r.Err
	}
	p := r.pending
	go p.once.Do(func() {
		p.out = <-p.ch
		close(p.done)
	})
	select {
	case <-p.done:
		return p.out.value, p.out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// RaceWithFallback 在后台启动 primary，并在 timeout 内等待其结果：
//   - primary 先完成（成功或失败）时返回 SourcePrimary；
//   - 计时器先到时同步执行 fallback 并返回 SourceFallback。
//
// primary 使用脱离取消信号的 ctx 运行，计时器与调用方取消都不会中断它，
// 其副作用（例如写缓存）总会完成。ctx 被取消时视为 primary 失败。
func RaceWithFallback[T any](
	ctx context.Context,
	primary func(context.Context) (T, error),
	timeout time.Duration,
	fallback func(context.Context) (T, error),
) RaceResult[T] {
	ch := make(chan outcome[T], 1)
	detached := context.WithoutCancel(ctx)
	go func() {
		value, err := primary(detached)
		ch <- outcome[T]{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return RaceResult[T]{Source: SourcePrimary, Value: out.value, Err: out.err}
	case <-ctx.Done():
		return RaceResult[T]{Source: SourcePrimary, Err: ctx.Err()}
	case <-timer.C:
	}

	value, err := fallback(ctx)
	return RaceResult[T]{
		Source:  SourceFallback,
		Value:   value,
		Err:     err,
		pending: &pendingPrimary[T]{ch: ch, done: make(chan struct{})},
	}
}
