// Package render turns source text into PDF bytes with go-pdf/fpdf.
package render

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// Page is one logical page: the text of a single source file.
type Page struct {
	Path string
	Text string
}

// RenderError is returned when a page cannot be turned into PDF bytes.
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %s", e.Path, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Options control document layout.
type Options struct {
	// Machine selects the compact layout (3pt code font instead of 8pt).
	Machine bool
	// Title is written at the top of every document.
	Title string
	// Created is stamped as creation and modification date. It must be fixed
	// for a given job so repeated renders produce identical bytes.
	Created time.Time
}

// Renderer renders pages and page ranges. It is safe for concurrent use.
type Renderer struct {
	opts Options
}

func New(opts Options) *Renderer {
	if opts.Created.IsZero() {
		opts.Created = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Renderer{opts: opts}
}

const (
	margin      = 36.0 // 0.5in in points
	titleSize   = 14.0
	sectionSize = 11.0
	pathSize    = 9.0
)

func (r *Renderer) codeSize() (size, leading float64) {
	if r.opts.Machine {
		return 3, 5
	}
	return 8, 10
}

func (r *Renderer) newDoc() (*fpdf.Fpdf, func(string) string) {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetCreationDate(r.opts.Created)
	pdf.SetModificationDate(r.opts.Created)
	pdf.SetCatalogSort(true)
	pdf.SetCreator("codecollect", false)
	if r.opts.Title != "" {
		pdf.SetTitle(r.opts.Title, true)
	}
	return pdf, pdf.UnicodeTranslatorFromDescriptor("")
}

// RenderPage renders a single page as a standalone document.
func (r *Renderer) RenderPage(p Page, index int) ([]byte, error) {
	data, err := r.Document("", []Page{p})
	if err != nil {
		return nil, &RenderError{Path: p.Path, Err: fmt.Errorf("page %d: %w", index, err)}
	}
	return data, nil
}

// Document renders pages into one PDF under an optional section heading.
func (r *Renderer) Document(heading string, pages []Page) ([]byte, error) {
	pdf, tr := r.newDoc()
	pdf.AddPage()

	if r.opts.Title != "" {
		pdf.SetFont("Helvetica", "B", titleSize)
		pdf.MultiCell(0, titleSize+4, tr(r.opts.Title), "", "L", false)
	}
	if heading != "" {
		pdf.SetFont("Helvetica", "B", sectionSize)
		pdf.MultiCell(0, sectionSize+4, tr(heading), "", "L", false)
	}

	size, leading := r.codeSize()
	for _, p := range pages {
		if p.Path != "" {
			pdf.SetFont("Helvetica", "B", pathSize)
			pdf.MultiCell(0, pathSize+3, tr(p.Path), "", "L", false)
		}
		pdf.SetFont("Courier", "", size)
		pdf.MultiCell(0, leading, tr(cleanText(p.Text)), "", "L", false)
		if !r.opts.Machine {
			pdf.Ln(leading)
		}
	}

	if err := pdf.Error(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cleanText expands tabs and drops control characters fpdf cannot place.
func cleanText(s string) string {
	if s == "" {
		return "(empty file)"
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\t", "    ")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r >= 0x20 && r != 0x7f {
			return r
		}
		return -1
	}, strings.TrimRight(s, "\n"))
}

// PageRange adapts a rendered page list to split.Assembler.
type PageRange struct {
	r       *Renderer
	pages   []Page
	heading func(first, last, total int) string
}

// NewPageRange assembles contiguous runs of pages under a heading produced
// by heading. A nil heading renders none.
func (r *Renderer) NewPageRange(pages []Page, heading func(first, last, total int) string) *PageRange {
	return &PageRange{r: r, pages: pages, heading: heading}
}

func (pr *PageRange) Len() int { return len(pr.pages) }

// Assemble renders pages first..last (1-based, inclusive).
func (pr *PageRange) Assemble(ctx context.Context, first, last int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if first < 1 || last > len(pr.pages) || first > last {
		return nil, fmt.Errorf("page range %d-%d out of bounds (1-%d)", first, last, len(pr.pages))
	}
	var heading string
	if pr.heading != nil {
		heading = pr.heading(first, last, len(pr.pages))
	}
	return pr.r.Document(heading, pr.pages[first-1:last])
}

// Page returns page i (1-based).
func (pr *PageRange) Page(i int) Page {
	return pr.pages[i-1]
}
