// Package providers defines the shared types for the external services the
// reference resolver queries.
package providers

import "context"

// Outcome classifies the result of a single provider call. The resolver
// continues its chain on NotFound and TransientError alike, but transient
// errors are counted separately for observability.
type Outcome int

const (
	Found Outcome = iota
	NotFound
	TransientError
)

// Metadata is the provider-reported description of a located work. Non-empty
// fields overwrite heuristically parsed reference metadata.
type Metadata struct {
	Title   string
	Authors string
	Year    int
	DOI     string
	ArxivID string
}

// Lookup is the typed result of one provider call. PDFURL is set only when
// Outcome is Found.
type Lookup struct {
	Outcome  Outcome
	PDFURL   string
	Metadata Metadata
	// Err carries the underlying cause for TransientError results.
	Err error
}

// IdentifierProvider locates works by external identifier, with a
// title-search fallback guarded against false positives.
type IdentifierProvider interface {
	LookupID(ctx context.Context, id string) Lookup
	SearchTitle(ctx context.Context, title string) Lookup
}

// DOIProvider resolves a DOI to an open-access copy.
type DOIProvider interface {
	ResolveDOI(ctx context.Context, doi string) Lookup
}

// IndexProvider searches a scholarly index by free-text query.
type IndexProvider interface {
	SearchIndex(ctx context.Context, query string) Lookup
}
