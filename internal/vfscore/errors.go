package vfscore

import "errors"

// Sentinel errors surfaced by the core. Callers match with [errors.Is];
// backends and the directory API wrap these with operation context.
var (
	// ErrNotFound is returned when a path segment cannot be located.
	ErrNotFound = errors.New("vfscore: no such entry")

	// ErrNotDir is returned when an operation requiring a directory is
	// applied to a non-directory inode.
	ErrNotDir = errors.New("vfscore: not a directory")

	// ErrIsDir is returned when an operation forbidden on directories
	// (open for non-directory access) targets one.
	ErrIsDir = errors.New("vfscore: is a directory")

	// ErrExist is returned by exclusive creation when the target already
	// exists.
	ErrExist = errors.New("vfscore: already exists")

	// ErrLoop is returned when symlink resolution exhausts its follow
	// budget.
	ErrLoop = errors.New("vfscore: too many levels of symbolic links")

	// ErrInvalid is returned for malformed arguments (e.g. readlink on a
	// non-symlink).
	ErrInvalid = errors.New("vfscore: invalid argument")

	// ErrFault is returned when a symlink's body is unexpectedly absent.
	ErrFault = errors.New("vfscore: bad address")

	// ErrNoOpen is returned by the superblock registry when no matching
	// superblock exists and the class forbids opening new ones.
	ErrNoOpen = errors.New("vfscore: opening new superblocks is disallowed")

	// ErrClosed names a handle that is already closed. The core itself
	// does not return it: a Read in the closed linear state panics
	// instead.
	ErrClosed = errors.New("vfscore: handle is closed")

	// ErrReadOnly is returned by Write against a READONLY class (§4.H:
	// "omitting write if READONLY").
	ErrReadOnly = errors.New("vfscore: filesystem is read-only")
)

// invariantViolation panics; it is used for conditions the component
// design calls non-recoverable programmer errors rather than user-facing
// failures (a backend returning an incomplete superblock from
// OpenArchive, a linear read attempted in the closed state, freeing a nil
// inode). Panicking here mirrors the teacher's own GenerateInode panic for
// an equivalent "must never happen" condition.
func invariantViolation(msg string) {
	panic("vfscore: invariant violation: " + msg)
}
