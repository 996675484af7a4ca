package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract(t *testing.T) {
	data := makeZip(t, map[string]string{
		"proj/main.go":     "package main",
		"proj/pkg/util.go": "package pkg",
		"proj/empty/":      "",
	})
	dest := t.TempDir()
	n, err := Extract(bytes.NewReader(data), int64(len(data)), dest, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := os.ReadFile(filepath.Join(dest, "proj", "pkg", "util.go"))
	require.NoError(t, err)
	assert.Equal(t, "package pkg", string(got))
	assert.DirExists(t, filepath.Join(dest, "proj", "empty"))
	assert.Equal(t, filepath.Join(dest, "proj"), TopLevelDir(dest))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.go", "proj/../../evil.go", "/etc/evil"} {
		data := makeZip(t, map[string]string{name: "x"})
		_, err := Extract(bytes.NewReader(data), int64(len(data)), t.TempDir(), 0)
		assert.ErrorIs(t, err, ErrUnsafePath, name)
	}
}

func TestExtract_SizeLimit(t *testing.T) {
	data := makeZip(t, map[string]string{"big.txt": strings.Repeat("a", 1000)})
	_, err := Extract(bytes.NewReader(data), int64(len(data)), t.TempDir(), 100)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestNames(t *testing.T) {
	data := makeZip(t, map[string]string{"a/b.go": "x"})
	names, err := Names(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b.go"}, names)

	_, err = Names(bytes.NewReader([]byte("junk")), 4)
	assert.Error(t, err)
}

func TestBundle(t *testing.T) {
	var buf bytes.Buffer
	err := Bundle(&buf, []Entry{
		{Name: "one.pdf", Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("1")), nil }},
		{Name: "two.pdf", Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("22")), nil }},
	})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "two.pdf", zr.File[1].Name)
}

func TestTopLevelDir_MultipleEntries(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dest, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "b.go"), nil, 0o644))
	assert.Equal(t, dest, TopLevelDir(dest))
}
