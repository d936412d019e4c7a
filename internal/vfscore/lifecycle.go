package vfscore

import (
	"os"
	"time"
)

// DefaultDirUptodate implements the default freshness check described in
// §4.G: if the class-wide flush flag is set, it is cleared and the
// directory reports stale; otherwise freshness is wall-clock vs. the
// inode's Timestamp (backends set Timestamp = now + ttl on DirLoad).
//
// The component design installs this as the class's default dir_uptodate
// (§4.H); in this Go rendition a REMOTE backend's own DirUptodate hook
// calls DefaultDirUptodate explicitly rather than the core silently
// substituting an implementation the backend never asked for, since a
// BackendClass value is a concrete Go type that always implements every
// method itself.
func DefaultDirUptodate(class *Class, inode *Inode) bool {
	if class.flush {
		class.flush = false

		return false
	}

	return time.Now().Before(inode.Timestamp)
}

// SetFlush implements setctl(FLUSH): the flag is consumed by the next
// freshness check (§4.F, setctl).
func (c *Class) SetFlush() { c.flush = true }

// invalidate implements §4.G's invalidate(super): if WantStale is set,
// invalidation is a no-op so a snapshot survives endpoint failure;
// otherwise the root inode (and everything beneath it) is freed and
// replaced with a fresh empty directory root.
func invalidate(super *Superblock) error {
	if super.WantStale {
		return nil
	}

	if super.Root != nil {
		freeInode(super.Root)
	}

	root, err := newInode(super, defaultStat(os.ModeDir|0o755))
	if err != nil {
		return err
	}

	super.Root = root

	return nil
}

// stampCreate marks super eligible for ageing: called whenever fd_usage
// reaches zero (§4.G, "Stamping"). An external ager (internal/gc)
// decides when to actually call [FreeSuperblock]; if the class was
// configured with a [Stamper] it is notified so it can arm an idle
// timer.
func stampCreate(super *Superblock) {
	super.stamped = true
	if super.class != nil && super.class.stamper != nil {
		super.class.stamper.StampCreate(super)
	}
}

// rmstamp cancels a pending eligibility mark: called on every open
// against the superblock.
func rmstamp(super *Superblock) {
	super.stamped = false
	if super.class != nil && super.class.stamper != nil {
		super.class.stamper.RmStamp(super)
	}
}
