package vfscore

import "strings"

// sep is the platform path separator used by the resolvers. The
// component design ties canonicalisation to "the platform separator"
// (§6, "Path grammar"); this core always targets '/' since every backend
// in this repository (archive paths, HTTP paths) already speaks it.
const sep = "/"

// canonicalize removes "." segments and collapses repeated separators
// but preserves ".." verbatim, per §6's path grammar and §4.C step 1
// ("canonicalise in place without collapsing .. segments").
func canonicalize(path string) string {
	leadingSlash := strings.HasPrefix(path, sep)

	parts := strings.Split(path, sep)
	kept := make([]string, 0, len(parts))

	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		kept = append(kept, part)
	}

	out := strings.Join(kept, sep)
	if leadingSlash {
		out = sep + out
	}

	return out
}

// nextSegment extracts the next path segment after skipping leading
// separators, returning the segment and the remainder of the path
// (§4.C step 2).
func nextSegment(path string) (segment, rest string) {
	path = strings.TrimLeft(path, sep)
	if path == "" {
		return "", ""
	}

	idx := strings.Index(path, sep)
	if idx < 0 {
		return path, ""
	}

	return path[:idx], path[idx+1:]
}

// splitDirName splits a linear-mode path P into (dirname, name), as used
// by §4.D step 2 when the caller did not request a directory.
func splitDirName(path string) (dir, name string) {
	path = strings.TrimRight(path, sep)

	idx := strings.LastIndex(path, sep)
	if idx < 0 {
		return "", path
	}

	return path[:idx], path[idx+1:]
}
