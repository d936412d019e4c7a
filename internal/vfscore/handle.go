package vfscore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Handle is an open file descriptor against the core (§4.E,
// "File-Handle Layer"). It carries the owning inode, current offset, an
// optional local scratch file, a dirty flag, and the linear-read state
// machine.
type Handle struct {
	Inode *Inode
	Super *Superblock

	// Path is the handle's resolved path within the superblock, used to
	// compute the full path passed to FileStore on a dirty close.
	Path string

	// Payload is an opaque per-backend slot for state that must survive
	// across a handle's Read/Close calls (an open archive-member reader,
	// an in-flight HTTP response body) without a local scratch file.
	Payload any

	offset     int64
	localFile  *os.File
	changed    bool
	linear     LinearState
	usedFhOpen bool
	class      *Class
}

// Offset returns the handle's current I/O position.
func (h *Handle) Offset() int64 { return h.offset }

// LinearState returns the handle's current linear-read state.
func (h *Handle) LinearState() LinearState { return h.linear }

// Changed reports whether the handle has unflushed local writes.
func (h *Handle) Changed() bool { return h.changed }

// OpenParams configures [Open].
type OpenParams struct {
	// Flags carries os.O_* bits (O_CREATE, O_EXCL, O_RDONLY, O_WRONLY,
	// O_RDWR, O_TRUNC, O_APPEND).
	Flags int

	// Mode is the permission bits applied when Flags requests creation.
	Mode FileMode

	// Linear requests the linear-read fast path (§4.E step 5). Open
	// honours it for every backend; one whose LinearStart is the NopHooks
	// default fails the first Read.
	Linear bool

	// Follow is the symlink-follow budget passed to the resolver.
	Follow int
}

// Open implements §4.E's open(path, flags, mode).
func Open(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, p OpenParams) (*Handle, error) {
	entry, err := class.findEntry(ctx, super, startDir, path, p.Follow, FlagFollow)

	var created bool

	switch {
	case err == nil:
		if p.Flags&os.O_CREATE != 0 && p.Flags&os.O_EXCL != 0 {
			return nil, fmt.Errorf("open %q: %w", path, ErrExist)
		}

	case errors.Is(err, ErrNotFound):
		if p.Flags&os.O_CREATE == 0 {
			return nil, fmt.Errorf("open %q: %w", path, ErrNotFound)
		}
		if class.flags.Has(FlagReadonly) {
			return nil, fmt.Errorf("open %q: %w", path, ErrInvalid)
		}

		entry, err = createFile(ctx, class, super, startDir, path, p)
		if err != nil {
			return nil, err
		}
		created = true

	default:
		return nil, err
	}

	inode := startDir
	if entry != nil {
		inode = entry.Inode
	}
	if inode.Attr.IsDir() {
		return nil, fmt.Errorf("open %q: %w", path, ErrIsDir)
	}

	h := &Handle{
		Inode:   inode,
		Super:   super,
		Path:    canonicalize(path),
		class:   class,
		changed: created,
	}

	if p.Linear {
		h.linear = LinearPreopen
	} else {
		if err := class.hooks.FhOpen(ctx, h, p.Flags, p.Mode); err != nil {
			releaseFailedOpen(entry, created)

			return nil, fmt.Errorf("open %q: %w", path, err)
		}
		h.usedFhOpen = true
	}

	if inode.Localname != "" {
		f, err := os.OpenFile(inode.Localname, p.Flags&^os.O_CREATE, 0o644) //nolint:mnd
		if err != nil {
			releaseFailedOpen(entry, created)

			return nil, fmt.Errorf("open %q: local scratch: %w", path, err)
		}
		h.localFile = f
	}

	rmstamp(super)
	super.fdUsage++
	inode.nlink++

	return h, nil
}

func releaseFailedOpen(entry *Entry, wasCreated bool) {
	if wasCreated {
		freeEntry(entry)
	}
}

// createFile implements §4.E step 3: resolve the parent directory,
// create entry+inode, and allocate a local scratch file.
func createFile(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, p OpenParams) (*Entry, error) {
	dirname, name := splitDirName(canonicalize(path))

	var parentInode *Inode
	if dirname == "" {
		parentInode = super.Root
	} else {
		parentEntry, err := class.findEntry(ctx, super, startDir, dirname, p.Follow, FlagFollow|FlagDir)
		if err != nil {
			return nil, fmt.Errorf("open %q: resolve parent: %w", path, err)
		}
		parentInode = parentEntry.Inode
	}

	if !parentInode.Attr.IsDir() {
		return nil, fmt.Errorf("open %q: %w", path, ErrNotDir)
	}

	entry, err := generateEntry(super, name, p.Mode&^os.ModeDir)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	insertEntry(parentInode, entry)

	scratch, err := os.CreateTemp("", "dircache-*-"+name)
	if err != nil {
		freeEntry(entry)

		return nil, fmt.Errorf("open %q: scratch file: %w", path, err)
	}
	scratchPath := scratch.Name()
	_ = scratch.Close()

	entry.Inode.Localname = scratchPath

	return entry, nil
}

// Read implements §4.E's read(buf, n).
func (h *Handle) Read(ctx context.Context, buf []byte) (int, error) {
	switch h.linear {
	case LinearPreopen:
		ok, err := h.class.hooks.LinearStart(ctx, h, h.offset)
		if err != nil {
			return 0, fmt.Errorf("linear_start: %w", err)
		}
		if !ok {
			return 0, fmt.Errorf("linear_start: %w", io.ErrUnexpectedEOF)
		}
		h.linear = LinearOpen

		return h.Read(ctx, buf)

	case LinearOpen:
		n, err := h.class.hooks.LinearRead(ctx, h, buf)
		h.offset += int64(n)

		return n, err

	case LinearClosed:
		invariantViolation("read on a closed linear handle")

		return 0, nil

	default:
		if h.localFile == nil {
			invariantViolation("read: handle has neither linear state nor a local fd")
		}
		n, err := h.localFile.Read(buf)
		h.offset += int64(n)

		return n, err
	}
}

// Write implements §4.E's write(buf, n): forbidden while any linear
// state is set.
func (h *Handle) Write(buf []byte) (int, error) {
	if h.class.flags.Has(FlagReadonly) {
		return 0, fmt.Errorf("write: %w", ErrReadOnly)
	}
	if h.linear != LinearInactive {
		invariantViolation("write while linear state is active")
	}
	if h.localFile == nil {
		invariantViolation("write: handle has no local fd")
	}

	h.changed = true

	n, err := h.localFile.Write(buf)
	h.offset += int64(n)

	return n, err
}

// Lseek implements §4.E's lseek(off, whence): forbidden once linear
// state is open.
func (h *Handle) Lseek(off int64, whence int) (int64, error) {
	if h.linear == LinearOpen {
		invariantViolation("lseek while linear state is open")
	}

	if h.localFile != nil {
		pos, err := h.localFile.Seek(off, whence)
		if err == nil {
			h.offset = pos
		}

		return pos, err
	}

	size := int64(h.Inode.Attr.Size)

	var target int64
	switch whence {
	case io.SeekStart:
		target = off
	case io.SeekCurrent:
		target = h.offset + off
	case io.SeekEnd:
		target = size + off
	default:
		return h.offset, fmt.Errorf("lseek: %w", ErrInvalid)
	}

	if target < 0 {
		target = 0
	}
	if target > size {
		target = size
	}

	h.offset = target

	return h.offset, nil
}

// Close implements §4.E's close(): decrements fd_usage (stamping the
// superblock for potential ageing when it reaches zero), tears down the
// linear stream or backend fh_close, writes back a dirty handle, and
// finally releases the inode.
func (h *Handle) Close(ctx context.Context) error {
	class := h.class

	h.Super.fdUsage--
	if h.Super.fdUsage == 0 {
		stampCreate(h.Super)
	}

	var firstErr error

	if h.linear == LinearOpen {
		if err := class.hooks.LinearClose(ctx, h); err != nil {
			firstErr = fmt.Errorf("linear_close: %w", err)
		}
		h.linear = LinearClosed
	}

	if h.usedFhOpen {
		if err := class.hooks.FhClose(ctx, h); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("fh_close: %w", err)
		}
	}

	if h.changed {
		if err := class.hooks.FileStore(ctx, h, h.Path, h.Inode.Localname); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("file_store %q: %w", h.Path, err)
			}
		} else if err := invalidate(h.Super); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if h.localFile != nil {
		if err := h.localFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		h.localFile = nil
	}

	freeInode(h.Inode)
	h.Inode = nil

	return firstErr
}
