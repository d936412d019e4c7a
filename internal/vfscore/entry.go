package vfscore

// Entry is a (name, inode, parent-directory) triple (§3, "Entry").
//
// Invariant: the parent directory's child sequence contains this entry
// iff Parent is non-nil and points at that directory (§8, invariant 2).
type Entry struct {
	Name   string
	Inode  *Inode
	Parent *Inode
}

// NewEntry, InsertEntry, FreeEntry, and GenerateEntry are the exported
// forms of the unexported constructors below (§4.A): backends use them
// from OpenArchive/DirLoad to build the tree or directory listing they
// are populating.
func NewEntry(name string, inode *Inode) (*Entry, error) { return newEntry(name, inode) }
func InsertEntry(parentDir *Inode, entry *Entry)          { insertEntry(parentDir, entry) }
func FreeEntry(entry *Entry)                              { freeEntry(entry) }

func GenerateEntry(super *Superblock, name string, mode FileMode) (*Entry, error) {
	return generateEntry(super, name, mode)
}

// newEntry allocates a naming entry for inode and points the inode's weak
// Ent back-pointer at it (§4.A, new_entry). The entry is not yet linked
// into any directory; callers must follow with insertEntry.
func newEntry(name string, inode *Inode) (*Entry, error) {
	if name == "" {
		invariantViolation("newEntry: empty name")
	}
	if inode == nil {
		invariantViolation("newEntry: nil inode")
	}

	entry := &Entry{Name: name, Inode: inode}
	inode.Ent = entry

	class := inode.Super.class
	class.counters.totalEntries++

	if err := class.hooks.InitEntry(entry); err != nil {
		class.counters.totalEntries--
		inode.Ent = nil

		return nil, err
	}

	return entry, nil
}

// insertEntry links entry into parentDir's child sequence and increments
// the named inode's nlink (§4.A, insert_entry). Order is insertion order,
// which is readdir's contract.
func insertEntry(parentDir *Inode, entry *Entry) {
	if parentDir == nil {
		invariantViolation("insertEntry: nil parent")
	}
	if !parentDir.Attr.IsDir() {
		invariantViolation("insertEntry: parent is not a directory")
	}

	entry.Parent = parentDir
	entry.Inode.nlink++
	parentDir.Children = append(parentDir.Children, entry)
}

// freeEntry removes entry from its parent's child sequence, clears the
// named inode's weak back-pointer if it pointed here, and releases the
// inode (which may cascade into freeInode) (§4.A, free_entry).
func freeEntry(entry *Entry) {
	if entry == nil {
		invariantViolation("freeEntry: nil entry")
	}

	if entry.Parent != nil {
		siblings := entry.Parent.Children
		for idx, sibling := range siblings {
			if sibling == entry {
				entry.Parent.Children = append(siblings[:idx], siblings[idx+1:]...)

				break
			}
		}
	}

	if entry.Inode.Ent == entry {
		entry.Inode.Ent = nil
	}

	inode := entry.Inode
	class := inode.Super.class
	class.counters.totalEntries--

	entry.Parent = nil
	entry.Inode = nil

	freeInode(inode)
}

// generateEntry combines newInode(defaultStat(mode)) with newEntry, the
// convenience constructor named in §4.A, generate_entry. It does not
// insert the entry into any parent; callers do that separately so the
// resolver can decide ordering.
func generateEntry(super *Superblock, name string, mode FileMode) (*Entry, error) {
	inode, err := newInode(super, defaultStat(mode))
	if err != nil {
		return nil, err
	}

	entry, err := newEntry(name, inode)
	if err != nil {
		freeInode(inode)

		return nil, err
	}

	return entry, nil
}
