// Package archivefs is a READONLY, tree-mode backend class that presents
// the contents of a ZIP archive as a directory tree (§4.C, "tree-mode
// path resolver").
//
// It is grounded on internal/filesystem/node_zipdir.go and
// node_zipfile.go's split between an in-memory read path for small
// members and a streamed path for large ones: OpenArchive builds the
// whole tree up front from the archive's flat file list (so the tree
// resolver never needs DirLoad), FhOpen extracts a member into a local
// scratch file below StreamingThreshold, and the linear-read hooks
// stream directly from the archive above it.
package archivefs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/nilcache/dircache/internal/vfscore"
)

const defaultStreamingThreshold = 10 * 1024 * 1024 // 10MiB

var _ vfscore.BackendClass = (*Backend)(nil)

// Options are the runtime-tunable settings of a [Backend], modeled on
// internal/filesystem/filesystem.go's atomics-for-hot-fields Options
// pattern, so the values can be changed while the filesystem is mounted.
type Options struct {
	// StreamingThreshold is the uncompressed member size, in bytes, above
	// which reads go through the linear (streamed) path instead of being
	// extracted whole to a scratch file.
	StreamingThreshold atomic.Uint64
}

// DefaultOptions returns [Options] with the package's default threshold.
func DefaultOptions() *Options {
	opts := &Options{}
	opts.StreamingThreshold.Store(defaultStreamingThreshold)

	return opts
}

// Backend implements [vfscore.BackendClass] over ZIP archives opened by
// path. One archive path names one superblock.
type Backend struct {
	vfscore.NopHooks

	Options *Options
}

// New returns a [Backend] with default options.
func New() *Backend {
	return &Backend{Options: DefaultOptions()}
}

// ArchiveCheck validates that name refers to a readable file before the
// superblock registry scans for a reusable match (§4.B).
func (b *Backend) ArchiveCheck(_ context.Context, name string, _ any) (any, error) {
	if _, err := os.Stat(name); err != nil {
		return nil, fmt.Errorf("archivefs: %w", err)
	}

	return nil, nil
}

// ArchiveSame reuses an existing superblock whenever its name matches;
// one archive path never needs two live superblocks.
func (b *Backend) ArchiveSame(super *vfscore.Superblock, name string, _, _ any) vfscore.MatchResult {
	if super.Name == name {
		return vfscore.MatchSame
	}

	return vfscore.MatchOther
}

// OpenArchive opens the ZIP file at name and materializes its full entry
// list as an inode/entry tree rooted at super.Root.
func (b *Backend) OpenArchive(_ context.Context, super *vfscore.Superblock, name string, _ any) error {
	rc, err := zip.OpenReader(name)
	if err != nil {
		return fmt.Errorf("archivefs: open %q: %w", name, err)
	}

	root, err := vfscore.NewInode(super, vfscore.DefaultStat(os.ModeDir|0o755)) //nolint:mnd
	if err != nil {
		rc.Close()

		return fmt.Errorf("archivefs: root inode: %w", err)
	}

	super.Name = name
	super.Root = root
	super.Payload = rc

	dirs := map[string]*vfscore.Inode{"": root}

	for _, f := range rc.File {
		path := strings.TrimSuffix(strings.TrimPrefix(f.Name, "/"), "/")
		if path == "" {
			continue
		}

		if strings.HasSuffix(f.Name, "/") {
			if _, err := ensureDir(super, dirs, path, f.Modified); err != nil {
				rc.Close()

				return err
			}

			continue
		}

		dirPath, leaf := splitPath(path)

		parent, err := ensureDir(super, dirs, dirPath, f.Modified)
		if err != nil {
			rc.Close()

			return err
		}

		attr := vfscore.DefaultStat(0o644) //nolint:mnd
		attr.Size = f.UncompressedSize64
		attr.Mtime = f.Modified
		attr.Atime = f.Modified
		attr.Ctime = f.Modified

		inode, err := vfscore.NewInode(super, attr)
		if err != nil {
			rc.Close()

			return fmt.Errorf("archivefs: member inode %q: %w", f.Name, err)
		}
		inode.Payload = f

		entry, err := vfscore.NewEntry(leaf, inode)
		if err != nil {
			vfscore.ReleaseInode(inode)
			rc.Close()

			return fmt.Errorf("archivefs: member entry %q: %w", f.Name, err)
		}
		vfscore.InsertEntry(parent, entry)
	}

	return nil
}

// FreeArchive releases the archive's file handle once its superblock is
// evicted (§4.B, "free" path).
func (b *Backend) FreeArchive(super *vfscore.Superblock) error {
	rc, ok := super.Payload.(*zip.ReadCloser)
	if !ok {
		return nil
	}

	return rc.Close() //nolint:wrapcheck
}

// FhOpen implements §4.E step 6/7: for members at or below
// StreamingThreshold it extracts the member into a scratch file and sets
// Inode.Localname, so the handle layer's local-fd read path takes over
// for the remainder of the handle's life. It is a no-op for directories,
// already-extracted members, and members intended for the linear path.
func (b *Backend) FhOpen(_ context.Context, fh *vfscore.Handle, _ int, _ vfscore.FileMode) error {
	zf, ok := fh.Inode.Payload.(*zip.File)
	if !ok || fh.Inode.Localname != "" {
		return nil
	}

	if zf.UncompressedSize64 > b.Options.StreamingThreshold.Load() {
		return nil
	}

	src, err := zf.Open()
	if err != nil {
		return fmt.Errorf("archivefs: extract %q: %w", zf.Name, err)
	}
	defer src.Close()

	scratch, err := os.CreateTemp("", "archivefs-*")
	if err != nil {
		return fmt.Errorf("archivefs: scratch file: %w", err)
	}
	defer scratch.Close()

	if _, err := io.Copy(scratch, src); err != nil {
		os.Remove(scratch.Name())

		return fmt.Errorf("archivefs: extract %q: %w", zf.Name, err)
	}

	fh.Inode.Localname = scratch.Name()

	return nil
}

// LinearStart opens the archive member for streamed reading and forwards
// it to off, per §4.E's linear-read fast path.
func (b *Backend) LinearStart(_ context.Context, fh *vfscore.Handle, off int64) (bool, error) {
	zf, ok := fh.Inode.Payload.(*zip.File)
	if !ok {
		return false, fmt.Errorf("archivefs: not an archive member: %w", vfscore.ErrInvalid)
	}

	src, err := zf.Open()
	if err != nil {
		return false, fmt.Errorf("archivefs: open member %q: %w", zf.Name, err)
	}

	reader := newMemberReader(src)
	if off > 0 {
		if _, err := reader.ForwardTo(off); err != nil {
			reader.Close()

			return false, fmt.Errorf("archivefs: seek member %q: %w", zf.Name, err)
		}
	}

	fh.Payload = reader

	return true, nil
}

// LinearRead reads the next chunk of the member opened by LinearStart.
func (b *Backend) LinearRead(_ context.Context, fh *vfscore.Handle, buf []byte) (int, error) {
	reader, ok := fh.Payload.(*memberReader)
	if !ok {
		return 0, fmt.Errorf("archivefs: linear read without a started stream: %w", vfscore.ErrInvalid)
	}

	return reader.Read(buf)
}

// LinearClose releases the streamed member reader.
func (b *Backend) LinearClose(_ context.Context, fh *vfscore.Handle) error {
	reader, ok := fh.Payload.(*memberReader)
	if !ok {
		return nil
	}

	return reader.Close()
}

// ensureDir returns the inode for dirPath, creating any missing
// ancestors (implicit directories, which ZIP archives frequently omit
// from their central directory) along the way.
func ensureDir(super *vfscore.Superblock, dirs map[string]*vfscore.Inode, dirPath string, mtime time.Time) (*vfscore.Inode, error) {
	if inode, ok := dirs[dirPath]; ok {
		return inode, nil
	}

	parentPath, leaf := splitPath(dirPath)

	parent, err := ensureDir(super, dirs, parentPath, mtime)
	if err != nil {
		return nil, err
	}

	attr := vfscore.DefaultStat(os.ModeDir | 0o755) //nolint:mnd
	attr.Mtime = mtime
	attr.Atime = mtime
	attr.Ctime = mtime

	inode, err := vfscore.NewInode(super, attr)
	if err != nil {
		return nil, fmt.Errorf("archivefs: dir inode %q: %w", dirPath, err)
	}

	entry, err := vfscore.NewEntry(leaf, inode)
	if err != nil {
		vfscore.ReleaseInode(inode)

		return nil, fmt.Errorf("archivefs: dir entry %q: %w", dirPath, err)
	}
	vfscore.InsertEntry(parent, entry)

	dirs[dirPath] = inode

	return inode, nil
}

// splitPath splits a slash-separated archive path into its parent
// directory path (possibly empty, meaning the root) and its final
// segment.
func splitPath(path string) (dir, leaf string) {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[:idx], path[idx+1:]
	}

	return "", path
}
