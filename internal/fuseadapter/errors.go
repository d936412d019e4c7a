package fuseadapter

import (
	"errors"
	"syscall"

	"bazil.org/fuse"

	"github.com/nilcache/dircache/internal/vfscore"
)

// toFuseErr maps a vfscore sentinel to the nearest FUSE errno, mirroring
// the teacher's own toFuseErr (internal/filesystem/util.go), generalized
// from os.IsNotExist/os.IsPermission checks to vfscore's own error
// taxonomy (§7).
func toFuseErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vfscore.ErrNotFound):
		return fuse.ToErrno(syscall.ENOENT)
	case errors.Is(err, vfscore.ErrNotDir):
		return fuse.ToErrno(syscall.ENOTDIR)
	case errors.Is(err, vfscore.ErrIsDir):
		return fuse.ToErrno(syscall.EISDIR)
	case errors.Is(err, vfscore.ErrExist):
		return fuse.ToErrno(syscall.EEXIST)
	case errors.Is(err, vfscore.ErrLoop):
		return fuse.ToErrno(syscall.ELOOP)
	case errors.Is(err, vfscore.ErrInvalid):
		return fuse.ToErrno(syscall.EINVAL)
	case errors.Is(err, vfscore.ErrFault):
		return fuse.ToErrno(syscall.EFAULT)
	case errors.Is(err, vfscore.ErrReadOnly):
		return fuse.ToErrno(syscall.EROFS)
	case errors.Is(err, vfscore.ErrClosed):
		return fuse.ToErrno(syscall.EBADF)
	default:
		return fuse.ToErrno(syscall.EIO)
	}
}
