package collect

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Structure renders the folder tree under root as indented lines, pruning
// excluded directories. Directories are listed before files.
func Structure(ctx context.Context, root string, f Filter) ([]string, error) {
	lines := []string{filepath.Base(root) + "/"}
	err := structure(ctx, root, "", "", f, &lines)
	return lines, err
}

func structure(ctx context.Context, dir, rel, prefix string, f Filter, lines *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		childRel := e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}
		if e.IsDir() {
			if f.ExcludeDir(childRel) {
				continue
			}
		} else if strings.HasPrefix(e.Name(), "._") {
			continue
		}
		kept = append(kept, e)
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].IsDir() != kept[j].IsDir() {
			return kept[i].IsDir()
		}
		return strings.ToLower(kept[i].Name()) < strings.ToLower(kept[j].Name())
	})

	for i, e := range kept {
		last := i == len(kept)-1
		branch, indent := "├── ", "│   "
		if last {
			branch, indent = "└── ", "    "
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		*lines = append(*lines, prefix+branch+name)
		if e.IsDir() {
			childRel := e.Name()
			if rel != "" {
				childRel = rel + "/" + e.Name()
			}
			if err := structure(ctx, filepath.Join(dir, e.Name()), childRel, prefix+indent, f, lines); err != nil {
				return err
			}
		}
	}
	return nil
}
