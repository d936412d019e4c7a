package vfscore

// Counters holds the process-wide instrumentation counters named in §9
// ("Global counters"): total_inodes and total_entries. The component
// design explicitly directs that these be explicit configuration passed
// into the class rather than hidden package statics, so that tests (and
// multiple independently-mounted classes within one process) can each
// hold, inspect, and reset their own.
type Counters struct {
	totalInodes  int64
	totalEntries int64
}

// NewCounters returns a fresh, zeroed [Counters].
func NewCounters() *Counters {
	return &Counters{}
}

// TotalInodes returns the current count of live inodes across every
// superblock sharing this Counters instance.
func (c *Counters) TotalInodes() int64 { return c.totalInodes }

// TotalEntries returns the current count of live entries across every
// superblock sharing this Counters instance.
func (c *Counters) TotalEntries() int64 { return c.totalEntries }

// Reset zeroes both counters. The dashboard's /reset route calls it on
// live classes; inodes and entries freed afterwards are still subtracted,
// so the counts can then drop below zero.
func (c *Counters) Reset() {
	c.totalInodes = 0
	c.totalEntries = 0
}
