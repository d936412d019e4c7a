package vfscore

import (
	"os"
	"time"
)

// Inode represents a file, directory, or symlink (§3, "Inode").
//
// Ownership: a Superblock exclusively owns its root inode, which
// transitively owns its descendant entries. Inodes are shared between
// their naming entries with lifetime equal to the longest holder; Ent is
// a weak back-pointer used only for path reconstruction and must be
// cleared by freeEntry before the entry is released, to avoid
// use-after-free when a different entry still names the inode.
type Inode struct {
	Attr Attr

	// Linkname is the symlink target, when Attr.IsSymlink is true.
	Linkname string

	// Localname is the path to a local scratch file backing a writable
	// or body-cached remote inode. Empty when the inode has no local
	// backing.
	Localname string

	// Super is the owning superblock.
	Super *Superblock

	// Ent is the weak back-pointer to the entry that canonically names
	// this inode. It may be nil for orphaned or just-created inodes.
	Ent *Entry

	// Children holds the ordered sequence of naming entries for a
	// directory inode, in insertion order (this order is readdir's
	// contract, §5 "Ordering guarantees"). Always empty for
	// non-directories.
	Children []*Entry

	// Payload is an opaque per-backend slot (§3).
	Payload any

	// Timestamp is set by backends (via DirLoad) to now+ttl and consulted
	// by DirUptodate (§4.G) for linear-mode directory freshness.
	Timestamp time.Time

	// nlink is the number of entries currently naming this inode, plus
	// one for each open handle (Open/Close) and each directory iterator
	// pin (Opendir/Closedir). It is unexported so that it changes only
	// through insertEntry / freeEntry and those four calls.
	nlink uint32
}

// Nlink returns the inode's current link count.
func (i *Inode) Nlink() uint32 { return i.nlink }

// NewInode is the exported form of new_inode (§4.A): backends call it
// from OpenArchive/DirLoad to allocate the inodes that make up the tree
// or directory listing they are populating.
func NewInode(super *Superblock, attr Attr) (*Inode, error) { return newInode(super, attr) }

// ReleaseInode is the exported form of free_inode (§4.A): backends call
// it to drop a reference they held directly, outside of an Entry.
func ReleaseInode(inode *Inode) { freeInode(inode) }

// DefaultStat is the exported form of default_stat (§4.A).
func DefaultStat(mode FileMode) Attr { return defaultStat(mode) }

// newInode allocates an inode within super, stamping a unique ino from
// the class counter and running the backend's InitInode hook (§4.A,
// new_inode). The inode starts with nlink == 0: it must be named by at
// least one entry, via insertEntry, before the next suspension point, or
// explicitly freed on a failure path (§5, "Resource discipline").
func newInode(super *Superblock, attr Attr) (*Inode, error) {
	if super == nil {
		invariantViolation("newInode: nil superblock")
	}

	class := super.class

	attr.Ino = class.nextIno()
	attr.Dev = class.dev

	inode := &Inode{
		Attr:  attr,
		Super: super,
	}

	super.inoUsage++
	class.counters.totalInodes++

	if err := class.hooks.InitInode(inode); err != nil {
		super.inoUsage--
		class.counters.totalInodes--

		return nil, err
	}

	return inode, nil
}

// freeInode implements the decrement-and-return hard-link protocol
// (§4.A, free_inode): with nlink > 1 it simply decrements, since another
// entry still names the inode; only the last release cascades into
// destruction.
//
// Cascading delete walks by repeatedly freeing children[0] until empty,
// which stays robust against re-entrant mutation of the slice from
// nested free_inode calls, per the component design's explicit direction.
func freeInode(inode *Inode) {
	if inode == nil {
		invariantViolation("freeInode: nil inode")
	}

	if inode.nlink > 1 {
		inode.nlink--

		return
	}

	for len(inode.Children) > 0 {
		freeEntry(inode.Children[0])
	}

	class := inode.Super.class
	if err := class.hooks.FreeInode(inode); err != nil {
		class.logf("free_inode hook error for ino %d: %v", inode.Attr.Ino, err)
	}

	inode.Linkname = ""

	if inode.Localname != "" {
		if err := os.Remove(inode.Localname); err != nil && !os.IsNotExist(err) {
			class.logf("failed to unlink scratch file %q: %v", inode.Localname, err)
		}
		inode.Localname = ""
	}

	inode.Super.inoUsage--
	class.counters.totalInodes--
	inode.nlink = 0
	inode.Super = nil
}

// defaultStat produces a stat with the current uid/gid/time and mode
// masked by the process umask (§4.A, default_stat). Reading the umask is
// destructive on POSIX (there is no pure query syscall), so the probe
// restores it immediately after reading, mirroring the original's own
// `umask(022); umask(myumask)` idiom.
func defaultStat(mode FileMode) Attr {
	now := time.Now()
	mask := probeUmask()

	return Attr{
		Mode:  mode &^ mask,
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
		Mtime: now,
		Atime: now,
		Ctime: now,
		Nlink: 1,
	}
}
