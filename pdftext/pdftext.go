// Package pdftext converts PDF bytes into paginated plain text.
package pdftext

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractionError signals that a byte stream is not a readable document.
// It is fatal to the analysis that submitted the document.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("document extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Page is the text of a single document page.
type Page struct {
	Number int
	Text   string
}

// Extractor extracts page-marked text from PDF documents.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns the document's text with page boundary markers plus the
// per-page breakdown. Pages without extractable text are omitted from the
// marker stream but keep their numbering.
func (e *Extractor) Extract(data []byte) (text string, pages []Page, err error) {
	// The pdf library panics on some malformed files; fold that into the
	// same fatal error as a parse failure.
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{Err: fmt.Errorf("malformed document: %v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, &ExtractionError{Err: err}
	}

	for num := 1; num <= reader.NumPage(); num++ {
		page := reader.Page(num)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page is skipped; its number stays reserved.
			continue
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		pages = append(pages, Page{Number: num, Text: content})
	}

	return MarkPages(pages), pages, nil
}

// MarkPages joins page texts with the boundary markers the downstream
// extractors split on.
func MarkPages(pages []Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", p.Number, p.Text))
	}
	return strings.Join(parts, "\n\n")
}
