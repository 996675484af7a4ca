package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

// PDFExtractor pulls plain text out of PDF documents found in the tree.
type PDFExtractor struct{}

func (p *PDFExtractor) Extract(r io.Reader, filename string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	text, err := extractPDFText(data)
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	return text, nil
}

func extractPDFText(data []byte) (text string, err error) {
	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		fmt.Fprintf(&buf, "[page %d]\n%s", i, text)
	}
	return buf.String(), nil
}
