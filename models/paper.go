package models

import (
	"time"
)

// PaperSource records how a paper's bytes were obtained.
type PaperSource string

const (
	SourceUploaded        PaperSource = "uploaded"
	SourceArxiv           PaperSource = "arxiv"
	SourceUnpaywall       PaperSource = "unpaywall"
	SourceSemanticScholar PaperSource = "semantic_scholar"
	SourceManual          PaperSource = "manual"
)

// Paper is one document: either the paper under review or a cited reference.
// A paper with a non-empty ReferenceMarker and an empty StorageKey is still
// pending resolution.
type Paper struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AnalysisID uint `json:"analysis_id" gorm:"index"`

	Title   string `json:"title,omitempty" gorm:"size:500"`
	Authors string `json:"authors,omitempty"`
	Year    int    `json:"year,omitempty"`
	DOI     string `json:"doi,omitempty" gorm:"index"`
	ArxivID string `json:"arxiv_id,omitempty" gorm:"index"`

	// StorageKey and PublicURL are set once the document's bytes are stored.
	StorageKey string      `json:"storage_key,omitempty"`
	PublicURL  string      `json:"public_url,omitempty"`
	Source     PaperSource `json:"source" gorm:"default:'uploaded'"`

	ExtractedText string `json:"-" gorm:"type:text"`

	// ReferenceMarker is the normalized citation key (e.g. "[1]",
	// "[Smith2020]") and is set only for cited-reference papers.
	ReferenceMarker string `json:"reference_marker,omitempty" gorm:"size:64;index"`
	ReferenceText   string `json:"reference_text,omitempty" gorm:"type:text"`
}

// Resolved reports whether the paper's bytes have been obtained.
func (p *Paper) Resolved() bool {
	return p.StorageKey != ""
}
