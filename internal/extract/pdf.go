package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNotPDF is returned when content lacks the %PDF header.
var ErrNotPDF = errors.New("content is not a pdf")

// PDFExtractor implements crawler.TextExtractor for PDF documents.
type PDFExtractor struct {
	// MaxPages bounds how many pages are read; zero reads all of them.
	MaxPages int
}

// IsPDF reports whether content starts with the PDF magic bytes.
func IsPDF(content []byte) bool {
	return bytes.HasPrefix(content, []byte("%PDF-"))
}

// ExtractText returns the plain text of every readable page.
func (p PDFExtractor) ExtractText(content []byte) (text string, err error) {
	if !IsPDF(content) {
		return "", ErrNotPDF
	}
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("parse pdf: %v", rec)
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= doc.NumPage(); i++ {
		if p.MaxPages > 0 && i > p.MaxPages {
			break
		}
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, perr := page.GetPlainText(nil)
		if perr != nil {
			continue
		}
		b.WriteString(pageText)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}
