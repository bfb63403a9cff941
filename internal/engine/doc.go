// Package engine 实现边缘缓存的策略引擎：按版本化命名空间完成预缓存安装、
// 激活时清理过期命名空间，并对每个请求在 passthrough、network-first、
// cache-first、network-first-with-timeout 四种策略之间分派。
//
// 引擎只依赖 cache.Storage 与 Fetcher 两个接口，HTTP 细节由上层 proxy 包负责。
package engine
