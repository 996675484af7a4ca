package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/fumiama/go-docx"
)

// DOCXExtractor pulls paragraph text out of .docx files. Headings are
// prefixed with '#' marks by level.
type DOCXExtractor struct{}

func (p *DOCXExtractor) Extract(r io.Reader, filename string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read docx: %w", err)
	}
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}

	var paras []string
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		text := docxParagraphText(para)
		if text == "" {
			continue
		}
		if level := docxHeadingLevel(para); level > 0 {
			text = strings.Repeat("#", level) + " " + text
		}
		paras = append(paras, text)
	}
	return strings.Join(paras, "\n\n"), nil
}

func docxHeadingLevel(para *docx.Paragraph) int {
	if para.Properties == nil || para.Properties.Style == nil {
		return 0
	}
	style := strings.ToLower(strings.ReplaceAll(para.Properties.Style.Val, " ", ""))
	if !strings.HasPrefix(style, "heading") {
		return 0
	}
	switch strings.TrimPrefix(style, "heading") {
	case "1":
		return 1
	case "2":
		return 2
	case "3":
		return 3
	case "4":
		return 4
	case "5":
		return 5
	case "6":
		return 6
	}
	return 0
}

func docxParagraphText(para *docx.Paragraph) string {
	var buf strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
