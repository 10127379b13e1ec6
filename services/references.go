package services

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// minReferenceLength filters out fragments that are too short to be real
// bibliography entries.
const minReferenceLength = 20

var (
	sectionHeaderPattern = regexp.MustCompile(`(?i)(References|Bibliography|Works Cited)\s*\n`)
	numberedEntryPattern = regexp.MustCompile(`\[(\d+)\]`)
	leadingMarkerPattern = regexp.MustCompile(`^\[([^\]]+)\]`)
	yearPattern          = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	doiPattern           = regexp.MustCompile(`(?i)(?:doi[:\s]*)?(10\.\d{4,}/[^\s]+)`)
	arxivPattern         = regexp.MustCompile(`(?i)arXiv[:\s]*(\d{4}\.\d{4,5})(?:v\d+)?`)
	quotedTitlePattern   = regexp.MustCompile(`"([^"]{10,200})"`)
	yearTitlePattern     = regexp.MustCompile(`\((?:19|20)\d{2}[a-z]?\)[.:]?\s+([^.]{10,200})`)
	authorsPattern       = regexp.MustCompile(`^(.+?)(?:\s*\(\d{4}\)|\.)`)
)

// Reference is one decomposed bibliography entry. Every field except
// RawText may be empty; the parsing is best-effort by design.
type Reference struct {
	Marker  string
	Title   string
	Authors string
	Year    int
	DOI     string
	ArxivID string
	RawText string
}

// ReferenceParser locates a paper's bibliography and decomposes it into
// per-entry metadata.
type ReferenceParser struct {
	Logger *zap.Logger
}

func NewReferenceParser(logger *zap.Logger) *ReferenceParser {
	return &ReferenceParser{Logger: logger}
}

// ParseReferences extracts the reference list from full paper text. When no
// recognized section header exists the result is empty, never an error.
func (rp *ReferenceParser) ParseReferences(ctx context.Context, text string) []Reference {
	section := referencesSection(text)
	if section == "" {
		rp.Logger.Warn("No references section found")
		return nil
	}

	var refs []Reference
	for _, entry := range splitEntries(section) {
		if ref, ok := parseEntry(entry); ok {
			refs = append(refs, ref)
		}
	}

	rp.Logger.Info("Reference parsing completed", zap.Int("references", len(refs)))
	return refs
}

// referencesSection returns everything after the first recognized section
// header, or "" when none matches.
func referencesSection(text string) string {
	loc := sectionHeaderPattern.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	return text[loc[1]:]
}

// splitEntries segments the section into entries: numbered [n] markers when
// at least one exists, blank-line paragraphs otherwise.
func splitEntries(section string) []string {
	markers := numberedEntryPattern.FindAllStringIndex(section, -1)
	if len(markers) > 0 {
		var entries []string
		for i, m := range markers {
			end := len(section)
			if i+1 < len(markers) {
				end = markers[i+1][0]
			}
			entries = append(entries, strings.TrimSpace(section[m[0]:end]))
		}
		return entries
	}

	var entries []string
	var current []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(current) > 0 {
				entries = append(entries, strings.Join(current, " "))
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		entries = append(entries, strings.Join(current, " "))
	}
	return entries
}

// parseEntry decomposes a single bibliography entry. Entries shorter than
// minReferenceLength are dropped as noise.
func parseEntry(entry string) (Reference, bool) {
	entry = strings.TrimSpace(entry)
	if len(entry) < minReferenceLength {
		return Reference{}, false
	}

	ref := Reference{RawText: entry}

	rest := entry
	if m := leadingMarkerPattern.FindStringSubmatch(entry); m != nil {
		ref.Marker = "[" + m[1] + "]"
		rest = strings.TrimSpace(entry[len(m[0]):])
	}

	if m := yearPattern.FindString(entry); m != "" {
		if y, err := strconv.Atoi(m); err == nil && y >= 1900 && y <= 2099 {
			ref.Year = y
		}
	}
	if m := doiPattern.FindStringSubmatch(entry); m != nil {
		ref.DOI = strings.ToLower(strings.TrimRight(m[1], ".,;"))
	}
	if m := arxivPattern.FindStringSubmatch(entry); m != nil {
		ref.ArxivID = m[1]
	}

	switch {
	case quotedTitlePattern.MatchString(entry):
		ref.Title = quotedTitlePattern.FindStringSubmatch(entry)[1]
	case yearTitlePattern.MatchString(entry):
		// "Authors (Year). Title. Venue." entries carry the title right
		// after the year.
		ref.Title = strings.TrimSpace(yearTitlePattern.FindStringSubmatch(entry)[1])
	default:
		parts := strings.SplitN(rest, ". ", 3)
		if len(parts) >= 2 && len(parts[1]) > 10 {
			ref.Title = truncate(strings.TrimSpace(parts[1]), 200)
		}
	}

	if m := authorsPattern.FindStringSubmatch(rest); m != nil {
		ref.Authors = strings.TrimSpace(m[1])
	}

	return ref, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
