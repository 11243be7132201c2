package directory

import (
	"context"
	"strings"

	"github.com/pintosgo/kernel/inode"
)

// splitPath breaks a "/"-separated path into its non-empty components,
// so repeated or trailing slashes never produce empty path elements.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Resolve walks path as a left-to-right fold over its components,
// exactly as §9 recommends, with the accumulator being the directory
// currently under consideration. A leading "/" starts at root;
// otherwise resolution starts at cwd. All components but the last are
// consumed; the last is returned to the caller for the per-operation
// action (create/open/remove), per §4.4.
//
// The returned *Dir is open and must be closed by the caller unless it
// is identical to root or cwd (Resolve never closes those).
func Resolve(ctx context.Context, table *inode.Table, root, cwd *Dir, path string) (dir *Dir, leaf string, err error) {
	comps := splitPath(path)

	cur := cwd
	if strings.HasPrefix(path, "/") || cwd == nil {
		cur = root
	}
	owned := false

	if len(comps) == 0 {
		return cur, "", nil
	}

	for i, c := range comps {
		last := i == len(comps)-1
		if last {
			return cur, c, nil
		}

		var next *Dir
		opened := false
		switch c {
		case ".":
			next = cur
		case "..":
			if cur.Inode().Sector() == root.Inode().Sector() {
				next = cur
			} else {
				parent, e := Open(ctx, table, cur.Inode().Parent())
				if e != nil {
					if owned {
						cur.Close(ctx)
					}
					return nil, "", e
				}
				next = parent
				opened = true
			}
		default:
			childSector, ok := cur.Lookup(ctx, c)
			if !ok {
				if owned {
					cur.Close(ctx)
				}
				return nil, "", ErrNotFound
			}
			child, e := Open(ctx, table, childSector)
			if e != nil {
				if owned {
					cur.Close(ctx)
				}
				return nil, "", e
			}
			next = child
			opened = true
		}

		if owned && next != cur {
			cur.Close(ctx)
		}
		cur = next
		if opened {
			owned = true
		}
	}
	return cur, "", nil
}
