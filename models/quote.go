package models

import (
	"time"
)

// QuoteStatus is the validation state of a single quote.
type QuoteStatus string

const (
	QuotePending   QuoteStatus = "pending"
	QuoteValidated QuoteStatus = "validated"
	QuoteFailed    QuoteStatus = "failed"
)

// Quote is one extracted quotation, linked to its source paper by marker
// string equality rather than a foreign key. Created once per extraction
// pass; only the validator mutates it afterwards.
type Quote struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AnalysisID uint `json:"analysis_id" gorm:"index"`

	Text          string `json:"text" gorm:"type:text;not null"`
	PageNumber    int    `json:"page_number,omitempty"`
	ContextBefore string `json:"context_before,omitempty" gorm:"type:text"`
	ContextAfter  string `json:"context_after,omitempty" gorm:"type:text"`

	ReferenceMarker string `json:"reference_marker,omitempty" gorm:"size:64;index"`

	Status      QuoteStatus `json:"status" gorm:"default:'pending'"`
	Grade       *int        `json:"grade,omitempty"`
	Explanation string      `json:"explanation,omitempty" gorm:"type:text"`

	// What the grader located in the source, when it could.
	SourceExcerpt string `json:"source_excerpt,omitempty" gorm:"type:text"`
	SourcePage    *int   `json:"source_page,omitempty"`
}
