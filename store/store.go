package store

import (
	"fmt"

	"gorm.io/gorm"

	"quote-check/models"
)

// Store wraps the database and centralizes the queries the pipeline depends
// on. In particular, the marker lookup lives in exactly one place so the
// quote-to-paper soft join cannot drift from the resolver's side.
type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// Migrate runs the gorm auto-migration for all pipeline entities.
func (s *Store) Migrate() error {
	return s.DB.AutoMigrate(&models.Analysis{}, &models.Paper{}, &models.Quote{})
}

func (s *Store) CreateAnalysis(a *models.Analysis) error {
	return s.DB.Create(a).Error
}

func (s *Store) GetAnalysis(id uint) (*models.Analysis, error) {
	var a models.Analysis
	if err := s.DB.First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) SaveAnalysis(a *models.Analysis) error {
	return s.DB.Save(a).Error
}

// SetStatus updates an analysis's status and human-readable message.
func (s *Store) SetStatus(id uint, status models.AnalysisStatus, message string) error {
	return s.DB.Model(&models.Analysis{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "status_message": message}).Error
}

func (s *Store) CreatePaper(p *models.Paper) error {
	return s.DB.Create(p).Error
}

func (s *Store) SavePaper(p *models.Paper) error {
	return s.DB.Save(p).Error
}

func (s *Store) GetPaper(id uint) (*models.Paper, error) {
	var p models.Paper
	if err := s.DB.First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// PapersByAnalysis returns every paper owned by the analysis.
func (s *Store) PapersByAnalysis(analysisID uint) ([]*models.Paper, error) {
	var papers []*models.Paper
	err := s.DB.Where("analysis_id = ?", analysisID).Order("id").Find(&papers).Error
	return papers, err
}

// ReferencePapers returns the cited-reference papers of an analysis.
func (s *Store) ReferencePapers(analysisID uint) ([]*models.Paper, error) {
	var papers []*models.Paper
	err := s.DB.Where("analysis_id = ? AND reference_marker <> ''", analysisID).
		Order("id").Find(&papers).Error
	return papers, err
}

// MissingPapers returns references that still lack a stored document.
func (s *Store) MissingPapers(analysisID uint) ([]*models.Paper, error) {
	var papers []*models.Paper
	err := s.DB.Where("analysis_id = ? AND reference_marker <> '' AND storage_key = ''", analysisID).
		Order("id").Find(&papers).Error
	return papers, err
}

// PaperByMarker resolves the quote-to-paper soft join. Markers are matched by
// string equality on the normalized form.
func (s *Store) PaperByMarker(analysisID uint, marker string) (*models.Paper, error) {
	var p models.Paper
	err := s.DB.Where("analysis_id = ? AND reference_marker = ?", analysisID, marker).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MissingPaperByMarker finds an unresolved reference for a manual upload.
func (s *Store) MissingPaperByMarker(analysisID uint, marker string) (*models.Paper, error) {
	var p models.Paper
	err := s.DB.Where("analysis_id = ? AND reference_marker = ? AND storage_key = ''", analysisID, marker).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateQuote(q *models.Quote) error {
	return s.DB.Create(q).Error
}

func (s *Store) SaveQuote(q *models.Quote) error {
	return s.DB.Save(q).Error
}

// QuotesByAnalysis returns every quote of an analysis in extraction order.
func (s *Store) QuotesByAnalysis(analysisID uint) ([]*models.Quote, error) {
	var quotes []*models.Quote
	err := s.DB.Where("analysis_id = ?", analysisID).Order("id").Find(&quotes).Error
	return quotes, err
}

// QuoteCount reports how many quotes an analysis already owns. The pipeline
// uses it to keep quote extraction a single-shot producer.
func (s *Store) QuoteCount(analysisID uint) (int64, error) {
	var count int64
	err := s.DB.Model(&models.Quote{}).Where("analysis_id = ?", analysisID).Count(&count).Error
	return count, err
}

// StatusCounts returns the number of analyses per status, for the metrics sweep.
func (s *Store) StatusCounts() (map[models.AnalysisStatus]int64, error) {
	type row struct {
		Status models.AnalysisStatus
		N      int64
	}
	var rows []row
	err := s.DB.Model(&models.Analysis{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting analyses by status: %w", err)
	}
	counts := make(map[models.AnalysisStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
