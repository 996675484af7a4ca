package collect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry is one collected file.
type Entry struct {
	Path     string   `json:"path"` // relative, slash separated
	Abs      string   `json:"-"`
	Category Category `json:"category"`
	Size     int64    `json:"size"`
	Document bool     `json:"document,omitempty"`
}

// Skipped records a path left out of the collection.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the outcome of Walk.
type Result struct {
	Files   map[Category][]Entry `json:"files"`
	Skipped []Skipped            `json:"skipped"`
	Pruned  []string             `json:"pruned_dirs"`
}

// Total returns the number of collected files across the given categories,
// or all categories when none are given.
func (r *Result) Total(cats ...Category) int {
	if len(cats) == 0 {
		cats = Categories
	}
	n := 0
	for _, c := range cats {
		n += len(r.Files[c])
	}
	return n
}

// Walk collects the files under root that pass f, grouped by category and
// sorted case-insensitively by path.
func Walk(ctx context.Context, root string, f Filter) (*Result, error) {
	res := &Result{Files: make(map[Category][]Entry)}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if err != nil {
			if d != nil && d.IsDir() && rel != "." {
				res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: ReasonUnreadable})
				return fs.SkipDir
			}
			if rel == "." {
				return err
			}
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: ReasonUnreadable})
			return nil
		}

		if d.IsDir() {
			if f.ExcludeDir(rel) {
				res.Pruned = append(res.Pruned, rel)
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		if reason := f.Check(d.Name()); reason != "" {
			if reason == ReasonExcludedFile {
				res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: reason})
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: ReasonUnreadable})
			return nil
		}
		if f.MaxFileBytes > 0 && info.Size() > f.MaxFileBytes {
			res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: ReasonTooLarge})
			return nil
		}

		doc := IsDocument(d.Name())
		if !doc {
			binary, err := IsBinaryFile(p)
			if err != nil {
				res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: ReasonUnreadable})
				return nil
			}
			if binary {
				res.Skipped = append(res.Skipped, Skipped{Path: rel, Reason: ReasonBinary})
				return nil
			}
		}

		cat := Categorize(rel)
		res.Files[cat] = append(res.Files[cat], Entry{
			Path:     rel,
			Abs:      p,
			Category: cat,
			Size:     info.Size(),
			Document: doc,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// WalkDir visits in lexical order, which breaks case-insensitive ties.
	for _, entries := range res.Files {
		sort.SliceStable(entries, func(i, j int) bool {
			return strings.ToLower(entries[i].Path) < strings.ToLower(entries[j].Path)
		})
	}
	return res, nil
}

// IsBinaryFile sniffs the first 512 bytes of a file. NUL bytes or more than
// 30% non-printable bytes mark it as binary. Empty files are text.
func IsBinaryFile(p string) (bool, error) {
	file, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer file.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(file, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return false, err
	}
	return IsBinary(buf[:n]), nil
}

// IsBinary applies the same heuristic as IsBinaryFile to a byte prefix.
func IsBinary(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	if bytes.IndexByte(buf, 0) >= 0 {
		return true
	}
	nonPrintable := 0
	for _, b := range buf {
		if !isPrintable(b) {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(buf)) > 0.3
}

// isPrintable treats bytes >= 0x80 as printable so UTF-8 text is not
// mistaken for binary.
func isPrintable(b byte) bool {
	return (b >= 32 && b != 127) || b == '\n' || b == '\r' || b == '\t' || b == '\f'
}
