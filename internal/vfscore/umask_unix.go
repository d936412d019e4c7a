//go:build unix

package vfscore

import "golang.org/x/sys/unix"

// probeUmask reads the process umask without leaving it altered, matching
// default_stat's mode &~umask contract (§4.A). unix.Umask is destructive
// (it both sets and returns the previous mask), so the read is followed
// immediately by restoring the value it returned.
func probeUmask() FileMode {
	mask := unix.Umask(0)
	unix.Umask(mask)

	return FileMode(mask) //nolint:gosec // umask is always < 0o777
}
