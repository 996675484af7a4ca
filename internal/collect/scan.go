package collect

import (
	"path"
	"strings"
)

// DetectExcludable reports which excluded directories appear in a list of
// slash-separated paths, such as the entry names of a zip archive. The
// result follows the order of Filter.Dirs.
func (f Filter) DetectExcludable(paths []string) []string {
	present := make(map[string]bool)
	var macMeta bool
	for _, p := range paths {
		p = strings.ReplaceAll(p, "\\", "/")
		dir := strings.Trim(p, "/")
		if !strings.HasSuffix(p, "/") {
			if strings.HasPrefix(path.Base(dir), "._") {
				macMeta = true
			}
			dir = path.Dir(dir)
		}
		wrapped := "/" + dir + "/"
		for _, d := range f.Dirs {
			if present[d] {
				continue
			}
			if strings.Contains(wrapped, "/"+d+"/") {
				present[d] = true
			}
		}
	}
	if macMeta {
		present["__MACOSX"] = true
	}

	var found []string
	for _, d := range f.Dirs {
		if present[d] {
			found = append(found, d)
		}
	}
	return found
}

// CountByCategory counts the entries of a path list that would be collected,
// per category. Only names are inspected, so binary content and size limits
// are not applied.
func (f Filter) CountByCategory(paths []string) map[Category]int {
	counts := make(map[Category]int)
	for _, p := range paths {
		p = strings.ReplaceAll(p, "\\", "/")
		if p == "" || strings.HasSuffix(p, "/") {
			continue
		}
		if f.underExcludedDir(p) || f.Check(path.Base(p)) != "" {
			continue
		}
		counts[Categorize(p)]++
	}
	return counts
}

func (f Filter) underExcludedDir(p string) bool {
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if f.ExcludeDir(dir) {
			return true
		}
	}
	return false
}
