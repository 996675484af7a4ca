// Package parser extracts the text of one collected file so it can be
// rendered as a page.
package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extractor converts raw file bytes into page text.
type Extractor interface {
	Extract(r io.Reader, filename string) (string, error)
}

// ForFile returns the extractor for a filename. Anything that is not a
// known document format is read as text.
func ForFile(filename string) Extractor {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return &PDFExtractor{}
	case ".docx":
		return &DOCXExtractor{}
	default:
		return &TextExtractor{}
	}
}

// ReadFile extracts the text of the file at path.
func ReadFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	return ForFile(path).Extract(f, filepath.Base(path))
}
