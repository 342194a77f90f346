// Package pdftext extracts plain text from uploaded PDF files.
package pdftext

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

var ErrInvalidPDF = errors.New("file is not a readable PDF")

type Document struct {
	Text       string `json:"text"`
	Pages      int    `json:"pages"`
	Characters int    `json:"characters"`
	Truncated  bool   `json:"truncated"`
}

// Extract reads every page of the PDF in r and returns its text, cut to at
// most maxChars runes when maxChars is positive.
func Extract(r io.ReaderAt, size int64, maxChars int) (doc Document, err error) {
	if size <= 0 {
		return Document{}, ErrInvalidPDF
	}
	// the parser panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			doc = Document{}
			err = fmt.Errorf("%w: %v", ErrInvalidPDF, rec)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}

	var b strings.Builder
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return Document{}, fmt.Errorf("%w: page %d: %v", ErrInvalidPDF, i, err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}

	text, truncated := Truncate(b.String(), maxChars)
	return Document{
		Text:       text,
		Pages:      pages,
		Characters: utf8.RuneCountInString(text),
		Truncated:  truncated,
	}, nil
}

// Truncate cuts s to at most maxChars runes without splitting a rune.
func Truncate(s string, maxChars int) (string, bool) {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s, false
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i], true
		}
		n++
	}
	return s, false
}
