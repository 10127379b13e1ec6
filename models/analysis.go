package models

import (
	"time"
)

// AnalysisStatus describes where an analysis currently sits in the pipeline.
type AnalysisStatus string

const (
	StatusPending           AnalysisStatus = "pending"
	StatusExtractingQuotes  AnalysisStatus = "extracting_quotes"
	StatusFetchingRefs      AnalysisStatus = "fetching_references"
	StatusAwaitingUploads   AnalysisStatus = "awaiting_uploads"
	StatusValidating        AnalysisStatus = "validating"
	StatusCompleted         AnalysisStatus = "completed"
	StatusFailed            AnalysisStatus = "failed"
)

// Analysis is one end-to-end validation run over a submitted paper.
// It owns its Paper and Quote records; only the pipeline mutates it.
type Analysis struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Status        AnalysisStatus `json:"status" gorm:"index;default:'pending'"`
	StatusMessage string         `json:"status_message,omitempty" gorm:"type:text"`

	// ManualMode skips automatic reference fetching; every reference is
	// expected to be supplied by the submitter.
	ManualMode bool `json:"manual_mode"`

	// The paper under review. References belong to the analysis via
	// Paper.AnalysisID and carry a reference marker.
	UploadedPaperID *uint `json:"uploaded_paper_id,omitempty"`
}

// Terminal reports whether the analysis can no longer change state.
func (a *Analysis) Terminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusFailed
}
