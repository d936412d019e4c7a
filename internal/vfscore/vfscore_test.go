package vfscore

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubClass is a minimal archive-like (non-REMOTE) backend used across
// the scenario tests below. It embeds NopHooks and overrides only the
// hooks a tree-mode archive actually needs, mirroring how the teacher's
// createTestZip fixture builds a throwaway backend per test rather than
// a shared global one.
type stubClass struct {
	NopHooks

	openCount int
	build     func(super *Superblock) error
	stores    []storeCall
}

type storeCall struct {
	fullPath  string
	localPath string
	contents  []byte
	readErr   error
}

func (s *stubClass) ArchiveSame(super *Superblock, name string, _ any, _ any) MatchResult {
	if super.Name == name {
		return MatchSame
	}

	return MatchOther
}

func (s *stubClass) OpenArchive(_ context.Context, super *Superblock, name string, _ any) error {
	s.openCount++
	super.Name = name

	root, err := newInode(super, defaultStat(os.ModeDir|0o755))
	if err != nil {
		return err
	}
	super.Root = root

	if s.build != nil {
		return s.build(super)
	}

	return nil
}

func (s *stubClass) FileStore(_ context.Context, _ *Handle, fullPath, localPath string) error {
	contents, err := os.ReadFile(localPath)
	s.stores = append(s.stores, storeCall{fullPath, localPath, contents, err})

	return nil
}

func newTestClass(t *testing.T, backend *stubClass) *Class {
	t.Helper()

	return NewClass(backend, ClassOptions{Prefix: "test"})
}

// addFile creates a regular-file entry with the given body directly
// under dir, bypassing the resolver (as a backend populating a directory
// it just loaded would, §3 "Entry" lifecycle).
func addFile(t *testing.T, super *Superblock, dir *Inode, name string, body []byte) *Inode {
	t.Helper()

	entry, err := generateEntry(super, name, 0o644)
	require.NoError(t, err)
	insertEntry(dir, entry)

	entry.Inode.Attr.Size = uint64(len(body))
	entry.Inode.Payload = body

	return entry.Inode
}

func addDir(t *testing.T, super *Superblock, parent *Inode, name string) *Inode {
	t.Helper()

	entry, err := generateEntry(super, name, os.ModeDir|0o755)
	require.NoError(t, err)
	insertEntry(parent, entry)

	return entry.Inode
}

// Test_S1_ArchiveTreeRead exercises the archive-tree scenario from the
// component design: a two-level tree with one file, opened, its body
// checked through the stub's inode payload, and closed, checking ino/fd
// usage return to expected values after close.
func Test_S1_ArchiveTreeRead(t *testing.T) {
	backend := &stubClass{build: func(super *Superblock) error {
		dirA := addDir(t, super, super.Root, "a")
		addFile(t, super, dirA, "b", []byte("ping"))

		return nil
	}}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "archive1"})
	require.NoError(t, err)

	attr, err := Stat(ctx, class, super, super.Root, "a/b", 8)
	require.NoError(t, err)
	require.EqualValues(t, 4, attr.Size)

	h, err := Open(ctx, class, super, super.Root, "a/b", OpenParams{Flags: os.O_RDONLY, Follow: 8})
	require.NoError(t, err)

	body, ok := h.Inode.Payload.([]byte)
	require.True(t, ok)
	require.Equal(t, "ping", string(body))

	require.NoError(t, h.Close(ctx))

	require.Equal(t, 3, super.InoUsage()) // super root + dir "a" + file "b"
	require.Equal(t, 0, super.FdUsage())
}

// Test_S2_SymlinkLoop covers testable property 9 and scenario S2: a
// two-cycle symlink loop fails stat with ELOOP but lstat still succeeds.
func Test_S2_SymlinkLoop(t *testing.T) {
	backend := &stubClass{build: func(super *Superblock) error {
		x, err := generateEntry(super, "x", os.ModeSymlink|0o777)
		require.NoError(t, err)
		insertEntry(super.Root, x)
		x.Inode.Linkname = "y"

		y, err := generateEntry(super, "y", os.ModeSymlink|0o777)
		require.NoError(t, err)
		insertEntry(super.Root, y)
		y.Inode.Linkname = "x"

		return nil
	}}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "loop"})
	require.NoError(t, err)

	_, err = Stat(ctx, class, super, super.Root, "x", 5)
	require.ErrorIs(t, err, ErrLoop)

	attr, err := Lstat(ctx, class, super, super.Root, "x", 5)
	require.NoError(t, err)
	require.True(t, attr.IsSymlink())
}

// Test_S4_ExclusiveCreateConflict covers scenario S4.
func Test_S4_ExclusiveCreateConflict(t *testing.T) {
	backend := &stubClass{}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "rw"})
	require.NoError(t, err)

	h, err := Open(ctx, class, super, super.Root, "new", OpenParams{
		Flags: os.O_CREATE | os.O_EXCL | os.O_RDWR,
		Mode:  0o644,
	})
	require.NoError(t, err)

	_, err = Open(ctx, class, super, super.Root, "new", OpenParams{
		Flags: os.O_CREATE | os.O_EXCL | os.O_RDWR,
		Mode:  0o644,
	})
	require.ErrorIs(t, err, ErrExist)

	require.NoError(t, h.Close(ctx))
}

// Test_S5_WriteBack covers scenario S5: open for create, write, close,
// and check that FileStore received the right full path and scratch
// contents, and that the dirty close invalidated the superblock.
func Test_S5_WriteBack(t *testing.T) {
	backend := &stubClass{}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "rw"})
	require.NoError(t, err)
	oldRoot := super.Root

	h, err := Open(ctx, class, super, super.Root, "new", OpenParams{
		Flags: os.O_CREATE | os.O_RDWR,
		Mode:  0o644,
	})
	require.NoError(t, err)

	n, err := h.Write([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 7, n)

	require.NoError(t, h.Close(ctx))

	require.Len(t, backend.stores, 1)
	require.Equal(t, "new", backend.stores[0].fullPath)

	// Close unlinks the scratch file when it releases the inode, so its
	// contents are checked as FileStore read them.
	require.NoError(t, backend.stores[0].readErr)
	require.Equal(t, "payload", string(backend.stores[0].contents))

	require.NotSame(t, oldRoot, super.Root, "a dirty close must invalidate the superblock")
}

// Test_S6_SuperReuse covers scenario S6: ArchiveSame returning match
// reuses the existing superblock; a subsequent other-and-stop forces a
// new one and exactly one more OpenArchive call.
func Test_S6_SuperReuse(t *testing.T) {
	backend := &stubClass{}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super1, err := OpenSuperblock(ctx, class, OpenOptions{Name: "same"})
	require.NoError(t, err)

	super2, err := OpenSuperblock(ctx, class, OpenOptions{Name: "same"})
	require.NoError(t, err)
	require.Same(t, super1, super2)
	require.Equal(t, 1, backend.openCount)

	stopper := &stoppingClass{}
	stopClass := NewClass(stopper, ClassOptions{Prefix: "stop"})

	first, err := OpenSuperblock(ctx, stopClass, OpenOptions{Name: "first"})
	require.NoError(t, err)
	require.Equal(t, 1, stopper.openCount)

	second, err := OpenSuperblock(ctx, stopClass, OpenOptions{Name: "second"})
	require.NoError(t, err)
	require.Equal(t, 2, stopper.openCount)
	require.NotSame(t, first, second)
}

// stoppingClass always reports MatchOtherAndStop, forcing every open to
// allocate a fresh superblock regardless of name (the "other-and-stop"
// half of scenario S6).
type stoppingClass struct {
	stubClass
}

func (s *stoppingClass) ArchiveSame(*Superblock, string, any, any) MatchResult {
	return MatchOtherAndStop
}

// Test_Readdir_InsertionOrder covers the ordering guarantee of §5 and
// property 2 (child sequence membership).
func Test_Readdir_InsertionOrder(t *testing.T) {
	backend := &stubClass{build: func(super *Superblock) error {
		addFile(t, super, super.Root, "b", nil)
		addFile(t, super, super.Root, "a", nil)
		addFile(t, super, super.Root, "c", nil)

		return nil
	}}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "order"})
	require.NoError(t, err)

	h, err := Opendir(ctx, class, super, super.Root, "", 5)
	require.NoError(t, err)

	var names []string
	for {
		name, ok := Readdir(h)
		if !ok {
			break
		}
		names = append(names, name)
	}
	Closedir(h)

	require.Equal(t, []string{"b", "a", "c"}, names)
}

// Test_Opendir_Closedir_NlinkUnchanged covers testable property 5.
func Test_Opendir_Closedir_NlinkUnchanged(t *testing.T) {
	backend := &stubClass{build: func(super *Superblock) error {
		addDir(t, super, super.Root, "sub")

		return nil
	}}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "pin"})
	require.NoError(t, err)

	sub := super.Root.Children[0].Inode
	before := sub.Nlink()
	beforeFd := super.FdUsage()

	h, err := Opendir(ctx, class, super, super.Root, "sub", 5)
	require.NoError(t, err)
	Closedir(h)

	require.Equal(t, before, sub.Nlink())
	require.Equal(t, beforeFd, super.FdUsage())
}

// Test_Readlink_Truncates covers testable property 10.
func Test_Readlink_Truncates(t *testing.T) {
	backend := &stubClass{build: func(super *Superblock) error {
		l, err := generateEntry(super, "l", os.ModeSymlink|0o777)
		require.NoError(t, err)
		insertEntry(super.Root, l)
		l.Inode.Linkname = "target-path"

		return nil
	}}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "link"})
	require.NoError(t, err)

	full, err := Readlink(ctx, class, super, super.Root, "l", 5, -1)
	require.NoError(t, err)
	require.Equal(t, "target-path", full)

	truncated, err := Readlink(ctx, class, super, super.Root, "l", 5, 6)
	require.NoError(t, err)
	require.Equal(t, "target", truncated)
}

// Test_Lseek_ClampsToBounds covers testable property 11.
func Test_Lseek_ClampsToBounds(t *testing.T) {
	backend := &stubClass{}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "seek"})
	require.NoError(t, err)

	h, err := Open(ctx, class, super, super.Root, "f", OpenParams{
		Flags: os.O_CREATE | os.O_RDWR,
		Mode:  0o644,
	})
	require.NoError(t, err)

	n, err := h.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	h.Inode.Attr.Size = 5

	pos, err := h.Lseek(0, io.SeekStart)
	require.NoError(t, err)
	require.Zero(t, pos)

	require.NoError(t, h.Close(ctx))

	// Without a local fd, Lseek clamps the target into [0, size] itself.
	mem := &Handle{Inode: &Inode{Attr: Attr{Size: 5}}}

	pos, err = mem.Lseek(10, io.SeekStart)
	require.NoError(t, err)
	require.EqualValues(t, 5, pos)

	pos, err = mem.Lseek(-10, io.SeekCurrent)
	require.NoError(t, err)
	require.Zero(t, pos)
}

// Test_Write_WhileLinear_Panics covers testable property 12.
func Test_Write_WhileLinear_Panics(t *testing.T) {
	h := &Handle{linear: LinearOpen, class: NewClass(&stubClass{}, ClassOptions{})}

	require.Panics(t, func() {
		_, _ = h.Write([]byte("x"))
	})
}

// Test_FreeInode_HardLinkDecrementOnly covers property 1: a shared inode
// (nlink > 1) survives freeing one of its two naming entries.
func Test_FreeInode_HardLinkDecrementOnly(t *testing.T) {
	backend := &stubClass{}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "hardlink"})
	require.NoError(t, err)

	inode := addFile(t, class.supers[0], super.Root, "first", nil)

	second, err := newEntry("second", inode)
	require.NoError(t, err)
	insertEntry(super.Root, second)

	require.EqualValues(t, 2, inode.Nlink())

	freeEntry(super.Root.Children[0])
	require.EqualValues(t, 1, inode.Nlink())
	require.NotNil(t, inode.Super, "inode must survive while nlink > 0")
}

// Test_SetctlStaleData_InvalidateNoop covers testable property 7.
func Test_SetctlStaleData_InvalidateNoop(t *testing.T) {
	backend := &stubClass{build: func(super *Superblock) error {
		addDir(t, super, super.Root, "keep")

		return nil
	}}
	class := newTestClass(t, backend)
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "stale"})
	require.NoError(t, err)

	require.NoError(t, Setctl(class, super, SetctlStaleData, true))
	root := super.Root
	require.NoError(t, invalidate(super))
	require.Same(t, root, super.Root, "invalidate must be a no-op while want_stale is set")

	require.NoError(t, Setctl(class, super, SetctlStaleData, false))
	require.NotSame(t, root, super.Root, "clearing want_stale must invalidate the root")
	require.Empty(t, super.Root.Children)
}

// Test_DefaultDirUptodate_Flush covers testable property 8's FLUSH half.
func Test_DefaultDirUptodate_Flush(t *testing.T) {
	backend := &stubClass{}
	class := newTestClass(t, backend)

	inode := &Inode{Timestamp: time.Now().Add(time.Hour)}
	require.True(t, DefaultDirUptodate(class, inode))

	class.SetFlush()
	require.False(t, DefaultDirUptodate(class, inode))
	require.True(t, DefaultDirUptodate(class, inode), "flush must be consumed by the prior check")
}

// ttlStubClass is a minimal REMOTE backend that counts DirLoad calls and
// reports freshness through an explicit flag the test flips, standing in
// for a real TTL clock the way httpfs's own DirUptodate wraps
// DefaultDirUptodate against wall-clock time.
type ttlStubClass struct {
	NopHooks

	loadCount int
	fresh     bool
}

func (s *ttlStubClass) ArchiveSame(super *Superblock, name string, _, _ any) MatchResult {
	if super.Name == name {
		return MatchSame
	}

	return MatchOther
}

func (s *ttlStubClass) OpenArchive(_ context.Context, super *Superblock, name string, _ any) error {
	super.Name = name

	root, err := newInode(super, defaultStat(os.ModeDir|0o755))
	if err != nil {
		return err
	}
	super.Root = root

	return nil
}

func (s *ttlStubClass) DirLoad(_ context.Context, _ *Inode, _ string) error {
	s.loadCount++

	return nil
}

func (s *ttlStubClass) DirUptodate(*Inode) bool { return s.fresh }

// Test_ResolveLinear_TTLExpiry_ReloadsDirectory covers scenario S3: a
// second resolution of the same remote directory past its freshness
// window must free the stale fingerprint entry and call DirLoad again,
// not just report DirUptodate false in isolation.
func Test_ResolveLinear_TTLExpiry_ReloadsDirectory(t *testing.T) {
	backend := &ttlStubClass{fresh: true}
	class := NewClass(backend, ClassOptions{Prefix: "remote", Flags: FlagRemote})
	ctx := t.Context()

	super, err := OpenSuperblock(ctx, class, OpenOptions{Name: "remote1"})
	require.NoError(t, err)

	first, err := resolveLinear(ctx, class, super, "", 0, FlagDir)
	require.NoError(t, err)
	require.Equal(t, 1, backend.loadCount)

	second, err := resolveLinear(ctx, class, super, "", 0, FlagDir)
	require.NoError(t, err)
	require.Same(t, first, second, "an up-to-date directory entry must be reused, not reloaded")
	require.Equal(t, 1, backend.loadCount)

	backend.fresh = false

	third, err := resolveLinear(ctx, class, super, "", 0, FlagDir)
	require.NoError(t, err)
	require.NotSame(t, first, third, "an expired directory entry must be replaced by a fresh DirLoad")
	require.Equal(t, 2, backend.loadCount)
}
