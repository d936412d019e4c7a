package vfscore

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Logger is the minimal sink the core writes diagnostics to. A
// *[github.com/nilcache/dircache/internal/logging.RingBuffer] satisfies
// it without vfscore importing that package directly.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Stamper observes the stamp_create/rmstamp calls the core makes as
// fd_usage against a superblock reaches or leaves zero (§4.G,
// "Stamping"). It is the seam an external ager (internal/gc) plugs into;
// the core itself never decides to evict a superblock.
type Stamper interface {
	StampCreate(super *Superblock)
	RmStamp(super *Superblock)
}

// BackendClass is the capability set a concrete backend supplies (§6,
// "External interfaces"). Every method must be implemented, but a
// backend that has nothing to do for a given hook embeds [NopHooks] and
// only overrides the hooks it cares about, matching the component
// design's "any callable may be absent; the core treats absence as
// no-op" contract without scattering optional-interface type assertions
// through the core.
type BackendClass interface {
	// InitInode/InitEntry run right after allocation to let the backend
	// attach its own payload.
	InitInode(inode *Inode) error
	InitEntry(entry *Entry) error

	// FreeInode/FreeArchive run right before release to let the backend
	// tear its payload down.
	FreeInode(inode *Inode) error
	FreeArchive(super *Superblock) error

	// DirLoad populates the children of inode representing path. Required
	// for REMOTE classes; called on linear-resolver cache miss/expiry.
	DirLoad(ctx context.Context, inode *Inode, path string) error

	// DirUptodate reports directory freshness for the linear resolver's
	// cache-hit path. NewClass installs no default of its own: the
	// NopHooks version reports every directory fresh, and a backend that
	// wants the wall-clock-vs-Inode.Timestamp policy of §4.G calls
	// DefaultDirUptodate from its own hook.
	DirUptodate(inode *Inode) bool

	// ArchiveCheck pre-validates an open request before the superblock
	// registry scans for a match, producing an opaque cookie forwarded
	// to ArchiveSame. Returning an error aborts the open.
	ArchiveCheck(ctx context.Context, name string, op any) (cookie any, err error)

	// ArchiveSame decides whether an existing superblock should be
	// reused for a new open request (§4.B).
	ArchiveSame(super *Superblock, name string, op any, cookie any) MatchResult

	// OpenArchive populates a freshly allocated superblock's Name and
	// Root, or fails. Required.
	OpenArchive(ctx context.Context, super *Superblock, name string, op any) error

	// FhOpen/FhClose bracket non-linear streaming I/O against a handle.
	FhOpen(ctx context.Context, fh *Handle, flags int, mode FileMode) error
	FhClose(ctx context.Context, fh *Handle) error

	// LinearStart/LinearRead/LinearClose implement the streamed,
	// single-pass read path (§4.E, linear-read fast path).
	LinearStart(ctx context.Context, fh *Handle, off int64) (bool, error)
	LinearRead(ctx context.Context, fh *Handle, buf []byte) (int, error)
	LinearClose(ctx context.Context, fh *Handle) error

	// FileStore writes back a dirty handle's local scratch contents to
	// fullPath (the inode's resolved path within the superblock).
	FileStore(ctx context.Context, fh *Handle, fullPath, localPath string) error
}

// ForceLocalCopy is an optional capability a REMOTE backend implements
// when it can materialize a whole local copy of a file on demand,
// bypassing whatever size-based streaming threshold an ordinary Open
// would otherwise respect. GetLocalCopy (§4.F) consults this before
// falling back to a plain open/close, since "getlocalcopy" is defined to
// hand back a real local path regardless of file size.
type ForceLocalCopy interface {
	RetrieveLocalCopy(ctx context.Context, inode *Inode, path string) (string, error)
}

// NopHooks is embedded by backends to give every hook a default. DirLoad,
// OpenArchive and LinearStart fail with an ErrInvalid error, so a backend
// that forgot to override one fails fast instead of behaving as an empty
// archive; ArchiveSame reports MatchOther, DirUptodate reports fresh, and
// every other hook succeeds without doing anything.
type NopHooks struct{}

func (NopHooks) InitInode(*Inode) error { return nil }
func (NopHooks) InitEntry(*Entry) error { return nil }
func (NopHooks) FreeInode(*Inode) error { return nil }
func (NopHooks) FreeArchive(*Superblock) error { return nil }

func (NopHooks) DirLoad(context.Context, *Inode, string) error {
	return fmt.Errorf("vfscore: DirLoad not implemented: %w", ErrInvalid)
}

func (NopHooks) DirUptodate(*Inode) bool { return true }

func (NopHooks) ArchiveCheck(_ context.Context, _ string, _ any) (any, error) { return nil, nil }

func (NopHooks) ArchiveSame(*Superblock, string, any, any) MatchResult { return MatchOther }

func (NopHooks) OpenArchive(context.Context, *Superblock, string, any) error {
	return fmt.Errorf("vfscore: OpenArchive not implemented: %w", ErrInvalid)
}

func (NopHooks) FhOpen(context.Context, *Handle, int, FileMode) error  { return nil }
func (NopHooks) FhClose(context.Context, *Handle) error                { return nil }
func (NopHooks) LinearStart(context.Context, *Handle, int64) (bool, error) {
	return false, fmt.Errorf("vfscore: LinearStart not implemented: %w", ErrInvalid)
}
func (NopHooks) LinearRead(context.Context, *Handle, []byte) (int, error) { return 0, nil }
func (NopHooks) LinearClose(context.Context, *Handle) error               { return nil }

func (NopHooks) FileStore(context.Context, *Handle, string, string) error { return nil }

// Class wires components A–G onto a backend's method table and selects
// the tree or linear resolver based on the REMOTE flag (§4.H, "Class
// wiring"). One Class corresponds to one mounted backend kind (e.g. one
// archivefs or one httpfs instance); each mounted archive/session within
// that kind gets its own [Superblock].
type Class struct {
	hooks    BackendClass
	flags    ClassFlags
	prefix   string
	dev      uint64
	counters *Counters
	logger   Logger
	stamper  Stamper

	supers  []*Superblock
	inoNext uint64

	logFile *os.File // setctl(LOGFILE) target
	flush   bool     // setctl(FLUSH) flag, consumed by dirUptodate

	mu sync.Mutex // serializes every caller of this class's Directory/Meta API (§5)
}

// Lock serializes access to this class's superblock/inode/entry graph.
// vfscore itself never takes it: per §5 ("callers serialise"), every
// goroutine that can reach this class concurrently — FUSE dispatch, the
// GC ager freeing a superblock, a dashboard handler running Setctl or
// resetting counters — must hold it for the duration of its vfscore
// calls.
func (c *Class) Lock() { c.mu.Lock() }

// Unlock releases the lock taken by Lock.
func (c *Class) Unlock() { c.mu.Unlock() }

// ClassOptions configures [NewClass].
type ClassOptions struct {
	// Prefix identifies this class in FillNames output
	// ("<super.name>#<prefix>/").
	Prefix string

	// Dev is the device number stamped onto every inode this class
	// allocates.
	Dev uint64

	// Flags carries FlagReadonly / FlagRemote / FlagNoOpen.
	Flags ClassFlags

	// Counters is shared instrumentation state; if nil, NewClass
	// allocates a private one.
	Counters *Counters

	// Logger receives diagnostic messages; if nil, diagnostics are
	// discarded.
	Logger Logger

	// Stamper, if set, is notified of every stamp_create/rmstamp
	// transition so an external ager can decide when to actually free
	// an idle superblock.
	Stamper Stamper
}

// NewClass installs hooks as the backend's method table under opts.
func NewClass(hooks BackendClass, opts ClassOptions) *Class {
	if hooks == nil {
		invariantViolation("NewClass: nil hooks")
	}

	counters := opts.Counters
	if counters == nil {
		counters = NewCounters()
	}

	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &Class{
		hooks:    hooks,
		flags:    opts.Flags,
		prefix:   opts.Prefix,
		dev:      opts.Dev,
		counters: counters,
		logger:   logger,
		stamper:  opts.Stamper,
		inoNext:  1,
	}
}

// Flags returns the class's capability flags.
func (c *Class) Flags() ClassFlags { return c.flags }

// Counters returns the instrumentation counters shared by this class.
func (c *Class) Counters() *Counters { return c.counters }

// Superblocks returns the live superblocks for this class, most recently
// inserted first. The slice is owned by the class; callers must not
// mutate it.
func (c *Class) Superblocks() []*Superblock { return c.supers }

func (c *Class) nextIno() uint64 {
	ino := c.inoNext
	c.inoNext++

	return ino
}

func (c *Class) logf(format string, args ...any) {
	c.logger.Printf(format, args...)
}

// isRemote reports whether path resolution for this class must use the
// linear resolver (§4.D) rather than the tree resolver (§4.C).
func (c *Class) isRemote() bool { return c.flags.Has(FlagRemote) }

// findEntry dispatches to the tree or linear resolver based on the
// class's REMOTE flag, implementing the strategy-selection named in §9
// ("Two resolvers, one shape").
func (c *Class) findEntry(ctx context.Context, super *Superblock, start *Inode, path string, follow int, flags ResolveFlags) (*Entry, error) {
	if c.isRemote() {
		return resolveLinear(ctx, c, super, path, follow, flags)
	}

	return resolveTree(ctx, c, start, path, follow, flags)
}
