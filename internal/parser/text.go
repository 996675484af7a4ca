package parser

import (
	"io"
	"strings"
	"unicode/utf8"
)

// TextExtractor reads source files. Invalid UTF-8 sequences are replaced
// rather than rejected.
type TextExtractor struct{}

func (p *TextExtractor) Extract(r io.Reader, filename string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	text := string(data)
	text = strings.TrimPrefix(text, "\ufeff")
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	return text, nil
}
