// Package server hosts the Fiber HTTP service and its middleware chain.
// NewApp wires request ids, panic recovery and JSON error rendering, mounts
// local routes (diagnostics under /-/, API helpers under /api/) and finally
// hands every remaining request to the cache-engine proxy handler.
package server
