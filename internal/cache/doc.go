// Package cache implements the named-namespace response storage the edge
// engine reads and writes. A Storage holds namespaces in creation order; each
// Namespace maps a normalized request key (method + URL) to a full response
// snapshot. Two backends exist: an in-memory store for tests and ephemeral
// deployments, and a disk store rooted at StoragePath/<namespace>/ that commits
// every entry through temp file + rename so readers never observe a partial
// write. NewHotStorage can front either backend with a bounded LRU of recently
// matched entries. Eviction happens at namespace granularity; callers delete whole
// namespaces when the deployed version changes.
package cache
