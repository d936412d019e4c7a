// Package gc implements the external ager the core relies on to decide
// when a stamped, idle superblock is actually evicted (§4.G, "Stamping":
// "An external ager decides when to call free on the super").
//
// This mirrors internal/filesystem/lru_cache.go's zipReaderCache shape —
// a TTL-backed cache whose eviction callback releases the wrapped
// resource — retargeted at vfscore.Superblock instead of a zipReader, and
// built on github.com/jellydator/ttlcache/v3 (the library the teacher's
// go.mod actually declares).
package gc

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/nilcache/dircache/internal/vfscore"
)

var _ vfscore.Stamper = (*Ager)(nil)

// Ager ages out superblocks that have sat idle (fd_usage at zero, no
// intervening reopen) for longer than its TTL.
type Ager struct {
	cache  *ttlcache.Cache[string, *vfscore.Superblock]
	logger vfscore.Logger
}

// New returns an [Ager] with the given idle TTL. It starts a background
// goroutine that must be stopped with [Ager.Stop].
func New(ttl time.Duration, logger vfscore.Logger) *Ager {
	if logger == nil {
		logger = discardLogger{}
	}

	cache := ttlcache.New[string, *vfscore.Superblock](
		ttlcache.WithTTL[string, *vfscore.Superblock](ttl),
	)

	a := &Ager{cache: cache, logger: logger}

	cache.OnEviction(a.onEviction)

	go cache.Start()

	return a
}

// StampCreate implements [vfscore.Stamper]: it arms or re-arms the idle
// timer for super.
func (a *Ager) StampCreate(super *vfscore.Superblock) {
	a.cache.Set(super.Name, super, ttlcache.DefaultTTL)
}

// RmStamp implements [vfscore.Stamper]: it cancels a pending idle timer
// because a new handle was opened against the superblock.
func (a *Ager) RmStamp(super *vfscore.Superblock) {
	a.cache.Delete(super.Name)
}

// Stop halts the ager's background goroutine without evicting anything.
func (a *Ager) Stop() {
	a.cache.Stop()
}

func (a *Ager) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *vfscore.Superblock]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}

	super := item.Value()

	class := super.Class()
	class.Lock()
	defer class.Unlock()

	if !super.Stamped() {
		// A handle reopened the superblock after the timer armed but
		// before it fired; the core already called rmstamp, so leave it
		// alone rather than freeing a superblock still in use.
		return
	}

	if err := vfscore.FreeSuperblock(super); err != nil {
		a.logger.Printf("gc: free superblock %q: %v\n", item.Key(), err)
	}
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}
