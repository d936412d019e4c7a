package vfscore

import (
	"context"
	"fmt"
)

// Superblock represents a mounted archive or remote session (§3,
// "Superblock").
type Superblock struct {
	// Name is the human-readable archive/session identifier.
	Name string

	// Root is the superblock's root inode, always a directory, non-nil
	// while the superblock is alive.
	Root *Inode

	// WantStale, when true, makes invalidate a no-op so a stale snapshot
	// survives endpoint failure (§4.G, §Glossary).
	WantStale bool

	// Payload is an opaque backend-owned slot.
	Payload any

	inoUsage int
	fdUsage  int
	class    *Class

	// stamped tracks whether the ager has been asked to consider this
	// superblock for eviction (fd_usage reached zero without a
	// subsequent open). Consulted only by internal/gc via Stamped().
	stamped bool
}

// InoUsage returns the number of live inodes belonging to this super.
func (s *Superblock) InoUsage() int { return s.inoUsage }

// FdUsage returns the number of live file handles against this super.
func (s *Superblock) FdUsage() int { return s.fdUsage }

// Class returns the class this superblock belongs to, so a caller holding
// only a *Superblock (internal/gc's ager, notably) can still reach the
// class-wide lock it must hold before freeing it. Returns nil once the
// superblock has already been freed.
func (s *Superblock) Class() *Class { return s.class }

// Stamped reports whether the superblock is currently marked eligible for
// ageing (fd_usage at zero with no intervening open). It is read by
// internal/gc's ager and exists purely as an observability hook: the core
// itself never evicts a superblock on its own; eviction runs through
// [FreeSuperblock].
func (s *Superblock) Stamped() bool { return s.stamped }

// OpenSuperblock resolves opts against class's superblock list, reusing
// an existing superblock on a match or opening a new one, per §4.B.
func OpenSuperblock(ctx context.Context, class *Class, opts OpenOptions) (*Superblock, error) {
	return findSuperblock(ctx, class, opts)
}

// FreeSuperblock tears super down: destroys its root inode (cascading
// through descendants) and runs the backend's FreeArchive hook.
func FreeSuperblock(super *Superblock) error {
	return freeSuperblock(super)
}

// findSuperblock scans the class's superblock list, most-recently-
// inserted first, delegating match policy to the backend's ArchiveSame
// hook, and opens a new superblock when no match is found (§4.B,
// Superblock Registry).
func findSuperblock(ctx context.Context, class *Class, opts OpenOptions) (*Superblock, error) {
	cookie, err := class.hooks.ArchiveCheck(ctx, opts.Name, opts.Op)
	if err != nil {
		return nil, fmt.Errorf("archive check %q: %w", opts.Name, err)
	}

	for _, super := range class.supers {
		switch class.hooks.ArchiveSame(super, opts.Name, opts.Op, cookie) {
		case MatchSame:
			return super, nil
		case MatchOtherAndStop:
			goto openNew
		case MatchOther:
			continue
		}
	}

openNew:
	if class.flags.Has(FlagNoOpen) {
		return nil, fmt.Errorf("open %q: %w", opts.Name, ErrNoOpen)
	}

	super := &Superblock{class: class}

	if err := class.hooks.OpenArchive(ctx, super, opts.Name, opts.Op); err != nil {
		return nil, fmt.Errorf("open archive %q: %w", opts.Name, err)
	}

	if super.Name == "" || super.Root == nil {
		invariantViolation("OpenArchive returned an incomplete superblock (missing name or root)")
	}

	class.supers = append([]*Superblock{super}, class.supers...)
	stampCreate(super)

	return super, nil
}

// freeSuperblock tears a superblock down: it destroys the root inode
// (cascading through every descendant entry) and then runs the backend's
// FreeArchive hook (§3, Superblock lifecycle).
func freeSuperblock(super *Superblock) error {
	if super == nil {
		invariantViolation("freeSuperblock: nil superblock")
	}

	if super.Root != nil {
		freeInode(super.Root)
		super.Root = nil
	}

	class := super.class
	for idx, candidate := range class.supers {
		if candidate == super {
			class.supers = append(class.supers[:idx], class.supers[idx+1:]...)

			break
		}
	}

	err := class.hooks.FreeArchive(super)
	super.class = nil

	if err != nil {
		return fmt.Errorf("free archive %q: %w", super.Name, err)
	}

	return nil
}
