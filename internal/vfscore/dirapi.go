package vfscore

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// DirIter is the handle returned by [Opendir]. It pins the directory
// inode (via an extra nlink, matching an ordinary naming reference) for
// the duration of the iteration, exactly as opendir/closedir pin and
// unpin in the component design (§4.F).
type DirIter struct {
	inode *Inode
	pos   int
}

// Opendir resolves path to a directory and returns an iterator
// positioned at its first child (§4.F, opendir).
func Opendir(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, follow int) (*DirIter, error) {
	entry, err := class.findEntry(ctx, super, startDir, path, follow, FlagDir|FlagFollow)
	if err != nil {
		return nil, fmt.Errorf("opendir %q: %w", path, err)
	}

	dirInode := super.Root
	if entry != nil {
		dirInode = entry.Inode
	}

	if !dirInode.Attr.IsDir() {
		return nil, fmt.Errorf("opendir %q: %w", path, ErrNotDir)
	}

	dirInode.nlink++

	return &DirIter{inode: dirInode}, nil
}

// Readdir yields the current entry's name and advances the cursor. The
// second return value is false once iteration is exhausted, standing in
// for the component design's null sentinel.
func Readdir(h *DirIter) (name string, ok bool) {
	if h.pos >= len(h.inode.Children) {
		return "", false
	}

	name = h.inode.Children[h.pos].Name
	h.pos++

	return name, true
}

// Closedir releases the pin taken by Opendir. A superblock's root is
// named by no entry, so its pin is dropped directly instead of through
// freeInode, which would destroy the whole tree.
func Closedir(h *DirIter) {
	if h.inode.Super != nil && h.inode == h.inode.Super.Root {
		h.inode.nlink--
	} else {
		freeInode(h.inode)
	}
	h.inode = nil
}

// Chdir is exactly opendir + closedir (§4.F, chdir): it validates that
// path resolves to a directory without leaving anything open.
func Chdir(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, follow int) error {
	h, err := Opendir(ctx, class, super, startDir, path, follow)
	if err != nil {
		return err
	}
	Closedir(h)

	return nil
}

// Stat resolves path following a trailing symlink and returns its
// attributes.
func Stat(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, follow int) (Attr, error) {
	entry, err := class.findEntry(ctx, super, startDir, path, follow, FlagFollow)
	if err != nil {
		return Attr{}, fmt.Errorf("stat %q: %w", path, err)
	}
	if entry == nil {
		return startDir.Attr, nil
	}

	return entry.Inode.Attr, nil
}

// Lstat resolves path without following a trailing symlink.
func Lstat(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, follow int) (Attr, error) {
	entry, err := class.findEntry(ctx, super, startDir, path, follow, 0)
	if err != nil {
		return Attr{}, fmt.Errorf("lstat %q: %w", path, err)
	}
	if entry == nil {
		return startDir.Attr, nil
	}

	return entry.Inode.Attr, nil
}

// Fstat copies the handle's inode attributes.
func Fstat(h *Handle) Attr { return h.Inode.Attr }

// Readlink requires S_ISLNK and copies up to size bytes of the link
// target, without NUL termination, matching testable property 10
// (§8: "readlink with size < strlen(target) returns exactly size
// bytes"). A negative size means "no limit".
func Readlink(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, follow int, size int) (string, error) {
	entry, err := class.findEntry(ctx, super, startDir, path, follow, 0)
	if err != nil {
		return "", fmt.Errorf("readlink %q: %w", path, err)
	}
	if entry == nil || !entry.Inode.Attr.IsSymlink() {
		return "", fmt.Errorf("readlink %q: %w", path, ErrInvalid)
	}
	if entry.Inode.Linkname == "" {
		return "", fmt.Errorf("readlink %q: %w", path, ErrFault)
	}

	target := entry.Inode.Linkname
	if size >= 0 && size < len(target) {
		target = target[:size]
	}

	return target, nil
}

// FillNames calls f("<super.name>#<class.prefix>/") for every live
// superblock in the class, letting an outer VFS enumerate active mounts
// (§4.F, fill_names).
func FillNames(class *Class, f func(string)) {
	for _, super := range class.supers {
		f(super.Name + "#" + class.prefix + "/")
	}
}

// SetctlOp identifies a setctl operation (§4.F, setctl).
type SetctlOp int

const (
	// SetctlStaleData toggles a superblock's WantStale flag; clearing it
	// also invalidates the root.
	SetctlStaleData SetctlOp = iota

	// SetctlLogfile opens a file for write and stashes it on the class.
	SetctlLogfile

	// SetctlFlush sets a class-wide flag consumed by the next freshness
	// check.
	SetctlFlush
)

// Setctl implements §4.F's setctl(op, arg).
func Setctl(class *Class, super *Superblock, op SetctlOp, arg any) error {
	switch op {
	case SetctlStaleData:
		want, _ := arg.(bool)
		if super == nil {
			invariantViolation("setctl(STALE_DATA): nil superblock")
		}
		super.WantStale = want
		if !want {
			return invalidate(super)
		}

		return nil

	case SetctlLogfile:
		path, _ := arg.(string)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:mnd
		if err != nil {
			return fmt.Errorf("setctl(LOGFILE) %q: %w", path, err)
		}
		if class.logFile != nil {
			_ = class.logFile.Close()
		}
		class.logFile = f

		return nil

	case SetctlFlush:
		class.SetFlush()

		return nil

	default:
		return fmt.Errorf("setctl: unknown op %d: %w", op, ErrInvalid)
	}
}

// Getid returns an opaque handle for path's superblock without opening
// anything new (§4.F, getid).
func Getid(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, follow int) (any, error) {
	if _, err := class.findEntry(ctx, super, startDir, path, follow, FlagFollow); err != nil && !errors.Is(err, ErrNotDir) {
		return nil, fmt.Errorf("getid %q: %w", path, err)
	}

	return super, nil
}

// NothingIsOpen always reports true: unlike the original's polling of a
// C reference count, handle lifetime here pins the superblock directly
// through ordinary inode nlink accounting, so there is nothing extra to
// poll (§4.F, nothingisopen).
func NothingIsOpen(any) bool { return true }

// Free tears down the superblock referenced by id, as returned by Getid.
func Free(id any) error {
	super, ok := id.(*Superblock)
	if !ok {
		invariantViolation("free: id is not a superblock handle")
	}

	return freeSuperblock(super)
}

// GetLocalCopy is installed only for REMOTE classes (§4.H). It resolves
// path and, if the inode already has a local scratch file, returns its
// path. Otherwise it materializes one: a backend implementing
// [ForceLocalCopy] is asked to retrieve the file directly, regardless of
// size; failing that, GetLocalCopy opens the file read-only (letting
// FhOpen populate Inode.Localname the ordinary way) and closes it again,
// matching the "opens the file read-only" wording of getlocalcopy.
func GetLocalCopy(ctx context.Context, class *Class, super *Superblock, startDir *Inode, path string, follow int) (string, error) {
	if !class.flags.Has(FlagRemote) {
		return "", fmt.Errorf("getlocalcopy: %w", ErrInvalid)
	}

	entry, err := class.findEntry(ctx, super, startDir, path, follow, FlagFollow)
	if err != nil {
		return "", fmt.Errorf("getlocalcopy %q: %w", path, err)
	}

	inode := entry.Inode
	if inode.Localname != "" {
		return inode.Localname, nil
	}

	if fc, ok := class.hooks.(ForceLocalCopy); ok {
		local, err := fc.RetrieveLocalCopy(ctx, inode, canonicalize(path))
		if err != nil {
			return "", fmt.Errorf("getlocalcopy %q: %w", path, err)
		}

		return local, nil
	}

	h, err := Open(ctx, class, super, startDir, path, OpenParams{Flags: os.O_RDONLY, Follow: follow})
	if err != nil {
		return "", fmt.Errorf("getlocalcopy %q: %w", path, err)
	}
	if err := h.Close(ctx); err != nil {
		return "", fmt.Errorf("getlocalcopy %q: %w", path, err)
	}

	return inode.Localname, nil
}

// UngetLocalCopy is a no-op: the cache owns the scratch file (§4.F,
// ungetlocalcopy).
func UngetLocalCopy(context.Context, *Class, *Superblock, string) error { return nil }
