package fuseadapter

import (
	"context"
	"errors"
	"io"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/nilcache/dircache/internal/vfscore"
)

var (
	_ fs.Handle         = (*handle)(nil)
	_ fs.HandleReader   = (*handle)(nil)
	_ fs.HandleWriter   = (*handle)(nil)
	_ fs.HandleFlusher  = (*handle)(nil)
	_ fs.HandleReleaser = (*handle)(nil)
)

// handle wraps one open [vfscore.Handle]. class is the handle's owning
// class, carried alongside vh so Read/Write/Release can take the
// class-wide lock without vfscore.Handle itself needing to expose it.
type handle struct {
	vh    *vfscore.Handle
	class *vfscore.Class
}

// Read serves one kernel-driven read request. A local-fd-backed handle
// seeks freely; a linear (streamed) handle only tolerates the offset it
// is already positioned at, matching §4.E's "no lseek while linear state
// is open" invariant — a non-sequential read against a streamed handle
// is surfaced as EIO rather than crashing the mount.
func (h *handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.class.Lock()
	defer h.class.Unlock()

	if req.Offset != h.vh.Offset() {
		if h.vh.LinearState() != vfscore.LinearInactive {
			return fuse.ToErrno(syscall.EIO)
		}
		if _, err := h.vh.Lseek(req.Offset, io.SeekStart); err != nil {
			return toFuseErr(err)
		}
	}

	buf := make([]byte, req.Size)

	n, err := h.vh.Read(ctx, buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return toFuseErr(err)
	}

	resp.Data = buf[:n]

	return nil
}

func (h *handle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	h.class.Lock()
	defer h.class.Unlock()

	if req.Offset != h.vh.Offset() {
		if _, err := h.vh.Lseek(req.Offset, io.SeekStart); err != nil {
			return toFuseErr(err)
		}
	}

	n, err := h.vh.Write(req.Data)
	if err != nil {
		return toFuseErr(err)
	}

	resp.Size = n

	return nil
}

// Flush is a no-op: write-back happens on Release/Close, matching the
// core's own "dirty handles are stored on close" design (§4.E, §4.H
// FileStore).
func (h *handle) Flush(context.Context, *fuse.FlushRequest) error { return nil }

func (h *handle) Release(ctx context.Context, _ *fuse.ReleaseRequest) error {
	h.class.Lock()
	defer h.class.Unlock()

	return toFuseErr(h.vh.Close(ctx))
}
