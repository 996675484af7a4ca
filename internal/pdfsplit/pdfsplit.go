// Package pdfsplit splits an existing PDF into size-bounded parts using
// pdfcpu to extract page ranges.
package pdfsplit

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Source is a PDF held in memory whose pages can be assembled into ranges.
// A fresh pdfcpu configuration is used per call so a Source can be shared.
type Source struct {
	data  []byte
	pages int
}

func newConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Open reads a PDF and counts its pages.
func Open(data []byte) (*Source, error) {
	n, err := api.PageCount(bytes.NewReader(data), newConfig())
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	return &Source{data: data, pages: n}, nil
}

func (s *Source) Len() int { return s.pages }

// Assemble returns a new PDF containing pages first..last.
func (s *Source) Assemble(ctx context.Context, first, last int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if first < 1 || last > s.pages || first > last {
		return nil, fmt.Errorf("page range %d-%d out of bounds (1-%d)", first, last, s.pages)
	}
	sel := []string{fmt.Sprintf("%d-%d", first, last)}
	if first == last {
		sel = []string{fmt.Sprintf("%d", first)}
	}
	var buf bytes.Buffer
	if err := api.Trim(bytes.NewReader(s.data), &buf, sel, newConfig()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Optimize rewrites data with pdfcpu's optimizer, returning the smaller of
// the input and the result.
func Optimize(data []byte) []byte {
	var buf bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &buf, newConfig()); err != nil {
		return data
	}
	if buf.Len() < len(data) {
		return buf.Bytes()
	}
	return data
}

// PartName formats the output name for part n.
func PartName(prefix string, n int) string {
	return fmt.Sprintf("%s_part%d.pdf", prefix, n)
}

// Prefix derives an output prefix from an input filename.
func Prefix(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
