// Package metrics 汇总边缘缓存的 Prometheus 指标。所有方法对 nil 接收者安全，
// 未启用指标时调用方无需判空。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "newshub_edge"

// Metrics 持有独立 registry，避免测试之间互相污染全局默认 registry。
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	totalMisses     *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	lifecycle       *prometheus.CounterVec
}

// New 创建并注册全部指标，同时附带 Go runtime 与进程指标。
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests handled by the cache strategy engine",
	}, []string{"strategy", "source"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Time spent resolving a request, per strategy",
		Buckets:   prometheus.DefBuckets,
	}, []string{"strategy"})

	totalMisses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "total_miss_total",
		Help:      "Requests that failed on the network with no cached fallback",
	}, []string{"strategy"})

	cacheWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_writes_total",
		Help:      "Write-through attempts per namespace",
	}, []string{"namespace", "result"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifecycle_events_total",
		Help:      "Install and activation outcomes",
	}, []string{"phase", "result"})

	registry.MustRegister(
		requests,
		requestDuration,
		totalMisses,
		cacheWrites,
		lifecycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:        registry,
		requests:        requests,
		requestDuration: requestDuration,
		totalMisses:     totalMisses,
		cacheWrites:     cacheWrites,
		lifecycle:       lifecycle,
	}
}

// Registry 暴露底层 registry，供测试读取。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 Prometheus 文本格式的抓取接口。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(strategy, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, source).Inc()
	m.requestDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTotalMiss(strategy string) {
	if m == nil {
		return
	}
	m.totalMisses.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ObserveCacheWrite(namespace string, err error) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(namespace, resultLabel(err)).Inc()
}

func (m *Metrics) ObserveLifecycle(phase string, err error) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(phase, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
