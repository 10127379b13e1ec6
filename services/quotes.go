package services

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// contextWindow bounds the captured text on either side of a quote.
const contextWindow = 100

var (
	pageMarkerPattern = regexp.MustCompile(`--- Page (\d+) ---`)

	// A quoted span of 10-500 characters immediately followed by a citation
	// marker, either bracketed ([1], [Smith2020]) or parenthetical
	// author-year ((Smith, 2020)).
	quotePattern = regexp.MustCompile(`"([^"]{10,500})"\s*(\[[^\]]+\]|\([^)]+,\s*\d{4}[^)]*\))`)

	parentheticalPattern = regexp.MustCompile(`^\(([^,]+),\s*(\d{4})[^)]*\)$`)
)

// ExtractedQuote is one candidate quotation found in the paper text.
type ExtractedQuote struct {
	Text            string
	ReferenceMarker string
	PageNumber      int
	ContextBefore   string
	ContextAfter    string
}

// QuoteExtractor scans page-marked text for quotations and their citation
// markers.
type QuoteExtractor struct {
	Logger *zap.Logger
}

func NewQuoteExtractor(logger *zap.Logger) *QuoteExtractor {
	return &QuoteExtractor{Logger: logger}
}

// ExtractQuotes returns all quote/marker pairs in document order. The text
// is scanned one page section at a time so context windows never leak
// across a page boundary.
func (qe *QuoteExtractor) ExtractQuotes(ctx context.Context, text string) []ExtractedQuote {
	var quotes []ExtractedQuote

	for _, section := range splitPages(text) {
		for _, loc := range quotePattern.FindAllStringSubmatchIndex(section.text, -1) {
			quoted := section.text[loc[2]:loc[3]]
			marker := section.text[loc[4]:loc[5]]

			before := section.text[:loc[0]]
			if len(before) > contextWindow {
				before = before[runeCeil(before, len(before)-contextWindow):]
			}
			after := section.text[loc[1]:]
			if len(after) > contextWindow {
				after = after[:runeFloor(after, contextWindow)]
			}

			quotes = append(quotes, ExtractedQuote{
				Text:            strings.TrimSpace(quoted),
				ReferenceMarker: NormalizeMarker(marker),
				PageNumber:      section.page,
				ContextBefore:   strings.TrimSpace(before),
				ContextAfter:    strings.TrimSpace(after),
			})
		}
	}

	qe.Logger.Info("Quote extraction completed", zap.Int("quotes", len(quotes)))
	return quotes
}

type pageSection struct {
	page int
	text string
}

// splitPages cuts page-marked text into sections, tracking the page number
// in effect for each. Text before the first marker counts as page 1.
func splitPages(text string) []pageSection {
	markers := pageMarkerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(markers) == 0 {
		return []pageSection{{page: 1, text: text}}
	}

	var sections []pageSection
	if head := text[:markers[0][0]]; strings.TrimSpace(head) != "" {
		sections = append(sections, pageSection{page: 1, text: head})
	}
	for i, m := range markers {
		page, _ := strconv.Atoi(text[m[2]:m[3]])
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		sections = append(sections, pageSection{page: page, text: text[m[1]:end]})
	}
	return sections
}

// NormalizeMarker rewrites a citation marker to its canonical bracket form.
// Bracketed markers pass through unchanged; parenthetical author-year
// markers become [AuthorsYear] with connective words stripped; anything
// else is returned as-is. Resolution and quote-to-paper matching both rely
// on this exact function, so it must stay pure.
func NormalizeMarker(marker string) string {
	marker = strings.TrimSpace(marker)
	if strings.HasPrefix(marker, "[") {
		return marker
	}

	m := parentheticalPattern.FindStringSubmatch(marker)
	if m == nil {
		return marker
	}

	authors := m[1]
	authors = strings.ReplaceAll(authors, "&", " ")
	fields := strings.Fields(authors)
	var b strings.Builder
	for _, f := range fields {
		if strings.EqualFold(f, "and") || strings.EqualFold(f, "et") || strings.EqualFold(f, "al.") {
			continue
		}
		b.WriteString(strings.Trim(f, ".,"))
	}
	if b.Len() == 0 {
		return marker
	}
	return "[" + b.String() + m[2] + "]"
}
