package symbolizer

import (
	"go.uber.org/atomic"

	"github.com/grafana/symcache/symcache"
)

// cacheHandle shares an open cache between the LRU and in-flight lookups.
// The LRU holds one reference, every user one more. The cache is closed when
// the last reference is released.
type cacheHandle struct {
	cache   *symcache.Cache
	refs    *atomic.Int64
	onClose func()
}

func newCacheHandle(c *symcache.Cache, onClose func()) *cacheHandle {
	return &cacheHandle{cache: c, refs: atomic.NewInt64(1), onClose: onClose}
}

// acquire fails once the handle has been closed.
func (h *cacheHandle) acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *cacheHandle) release() {
	if h.refs.Dec() == 0 {
		_ = h.cache.Close()
		if h.onClose != nil {
			h.onClose()
		}
	}
}
