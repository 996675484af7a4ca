// Package archive unpacks uploaded zip files and bundles generated outputs.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// ErrTooLarge is returned when the uncompressed content exceeds the limit.
var ErrTooLarge = errors.New("archive content exceeds size limit")

// openZip tolerates zip.ErrInsecurePath; unsafe names are rejected per
// entry by safeJoin instead.
func openZip(r io.ReaderAt, size int64) (*zip.Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	return zr, nil
}

// Names lists the entry names of a zip archive without extracting it.
func Names(r io.ReaderAt, size int64) ([]string, error) {
	zr, err := openZip(r, size)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// Extract unpacks a zip archive into dest. maxBytes bounds the total
// uncompressed size; zero disables the bound. It returns the number of files
// written.
func Extract(r io.ReaderAt, size int64, dest string, maxBytes int64) (int, error) {
	zr, err := openZip(r, size)
	if err != nil {
		return 0, err
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}

	var written int64
	files := 0
	for _, f := range zr.File {
		target, err := safeJoin(root, f.Name)
		if err != nil {
			return files, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return files, err
		}

		budget := int64(-1)
		if maxBytes > 0 {
			budget = maxBytes - written
		}
		n, err := extractFile(f, target, budget)
		written += n
		if err != nil {
			return files, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		files++
	}
	return files, nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var src io.Reader = rc
	if budget >= 0 {
		src = io.LimitReader(rc, budget+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return n, err
	}
	if budget >= 0 && n > budget {
		return n, ErrTooLarge
	}
	return n, nil
}

func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

// Entry is one file written by Bundle.
type Entry struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// Bundle writes entries into a new zip archive on w.
func Bundle(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		if err := addEntry(zw, e); err != nil {
			zw.Close()
			return fmt.Errorf("bundle %s: %w", e.Name, err)
		}
	}
	return zw.Close()
}

func addEntry(zw *zip.Writer, e Entry) error {
	rc, err := e.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	return err
}

// TopLevelDir returns the single directory inside dest when an archive
// wraps all of its content in one folder, or dest itself otherwise.
func TopLevelDir(dest string) string {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return dest
	}
	var dirs []os.DirEntry
	for _, e := range entries {
		if e.Name() == "__MACOSX" || strings.HasPrefix(e.Name(), "._") {
			continue
		}
		if !e.IsDir() {
			return dest
		}
		dirs = append(dirs, e)
	}
	if len(dirs) == 1 {
		return filepath.Join(dest, dirs[0].Name())
	}
	return dest
}
