package vfscore

import (
	"context"
	"fmt"
	"os"
)

// resolveLinear implements the linear-mode path resolver (§4.D), used
// when the class is REMOTE. The super's root is a flat bag of
// directory-fingerprint entries whose names are canonical full paths;
// each fingerprint entry's inode holds that directory's listing. This
// mode never pre-materialises ancestors of every accessed directory,
// unlike the tree resolver.
//
// The component design's assertion that this mode "requires the supplied
// root to be the super root; else die" is structural here: resolveLinear
// always operates on super.Root directly rather than accepting an
// arbitrary starting inode, so the misuse the assertion guards against
// cannot arise through this entry point.
func resolveLinear(ctx context.Context, class *Class, super *Superblock, path string, follow int, flags ResolveFlags) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := canonicalize(path)

	if !flags.Has(FlagDir) {
		dirname, name := splitDirName(p)

		dirEntry, err := resolveLinear(ctx, class, super, dirname, follow, flags|FlagDir)
		if err != nil {
			return nil, err
		}

		dirInode := super.Root
		if dirEntry != nil {
			dirInode = dirEntry.Inode
		}

		return resolveTree(ctx, class, dirInode, name, follow, flags)
	}

	// The root directory's path is empty, but an entry name may not be,
	// so its fingerprint entry is named by the separator instead.
	key := p
	if key == "" {
		key = sep
	}

	if found := lookupChild(super.Root, key); found != nil {
		if class.hooks.DirUptodate(found.Inode) {
			return found, nil
		}

		freeEntry(found)
	}

	inode, err := newInode(super, defaultStat(os.ModeDir|0o755))
	if err != nil {
		return nil, err
	}

	entry, err := newEntry(key, inode)
	if err != nil {
		freeInode(inode)

		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}

	if err := class.hooks.DirLoad(ctx, inode, p); err != nil {
		freeEntry(entry)

		return nil, fmt.Errorf("dir_load %q: %w", p, err)
	}

	insertEntry(super.Root, entry)

	return entry, nil
}
