// Package procinfo caches per-pid process metadata (currently just the
// executable basename) read from /proc, used by the Grimoire engine for
// whitelist matching.
package procinfo

import (
	"os"
	"path/filepath"
	"sync"
)

// BinaryCache maps pid to the basename of /proc/<pid>/exe, populated lazily
// on first lookup and evicted on process-exit notification.
type BinaryCache struct {
	mu    sync.Mutex
	names map[uint32]string
}

// NewBinaryCache creates an empty cache.
func NewBinaryCache() *BinaryCache {
	return &BinaryCache{names: make(map[uint32]string)}
}

// Basename returns pid's executable basename, reading and caching it from
// /proc on first lookup. Returns "" if the exe link cannot be resolved
// (process exited, permission denied, or non-Linux platform) — callers treat
// an empty basename as "never whitelisted".
func (c *BinaryCache) Basename(pid uint32) string {
	c.mu.Lock()
	if name, ok := c.names[pid]; ok {
		c.mu.Unlock()
		return name
	}
	c.mu.Unlock()

	name := resolveBasename(pid)

	c.mu.Lock()
	c.names[pid] = name
	c.mu.Unlock()

	return name
}

// Forget evicts pid's cached basename.
func (c *BinaryCache) Forget(pid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, pid)
}

func resolveBasename(pid uint32) string {
	target, err := os.Readlink(procExePath(pid))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}
