package vfscore

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// resolveTree implements the tree-mode path resolver (§4.C), used when
// the class is not REMOTE. It walks a complete in-memory tree segment by
// segment, following symlinks and optionally auto-creating a missing
// segment at whatever level it is missing.
//
// Per §9's Open Question (a), a failure encountered while following a
// symlink at an intermediate segment discards any entry already located
// and returns the failure: this is preserved rather than "fixed", since
// the component design explicitly calls out that the observed
// failure-returns-null behavior must not be silently corrected.
func resolveTree(ctx context.Context, class *Class, start *Inode, path string, follow int, flags ResolveFlags) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remaining := canonicalize(path)

	cur := start
	var curEntry *Entry
	if start != nil {
		curEntry = start.Ent
	}

	for {
		segment, rest := nextSegment(remaining)
		if segment == "" {
			return curEntry, nil
		}

		if cur == nil || !cur.Attr.IsDir() {
			return nil, fmt.Errorf("resolve %q: %w", path, ErrNotDir)
		}

		found := lookupChild(cur, segment)

		if found == nil {
			var mode FileMode
			switch {
			case flags.Has(FlagMkdir):
				mode = os.ModeDir | 0o755
			case flags.Has(FlagMkfile):
				mode = 0o644
			default:
				return nil, fmt.Errorf("resolve %q: %w", path, ErrNotFound)
			}

			entry, err := generateEntry(cur.Super, segment, mode)
			if err != nil {
				return nil, fmt.Errorf("resolve %q: create %q: %w", path, segment, err)
			}
			insertEntry(cur, entry)
			found = entry
		}

		isFinal := rest == ""
		remaining = rest
		curEntry = found
		cur = found.Inode

		shouldFollow := !isFinal || flags.Has(FlagFollow)
		if cur.Attr.IsSymlink() && shouldFollow {
			if follow <= 0 {
				return nil, fmt.Errorf("resolve %q: %w", path, ErrLoop)
			}
			if cur.Linkname == "" {
				return nil, fmt.Errorf("resolve %q: %w", path, ErrFault)
			}
			follow--

			target := cur.Linkname
			if !strings.HasPrefix(target, sep) {
				target = joinPath(inodePath(curEntry.Parent), target)
			}
			if rest != "" {
				target = joinPath(target, rest)
			}

			remaining = canonicalize(target)
			cur = cur.Super.Root
			curEntry = cur.Ent
		}
	}
}

func lookupChild(dir *Inode, name string) *Entry {
	for _, e := range dir.Children {
		if e.Name == name {
			return e
		}
	}

	return nil
}

// inodePath reconstructs the absolute path of dir by walking the weak
// Ent back-pointers up to the superblock root, used when resolving a
// relative symlink target (§4.C, "Symlink resolution constructs an
// absolute target").
func inodePath(dir *Inode) string {
	var parts []string

	cur := dir
	for cur != nil && cur.Ent != nil {
		parts = append([]string{cur.Ent.Name}, parts...)
		cur = cur.Ent.Parent
	}

	return sep + strings.Join(parts, sep)
}

func joinPath(base, target string) string {
	base = strings.TrimSuffix(base, sep)
	if base == "" {
		return target
	}

	return base + sep + target
}
