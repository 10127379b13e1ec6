package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"quote-check/config"
	"quote-check/models"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetAnalysis(id uint) (*models.Analysis, error)
	SetStatus(id uint, status models.AnalysisStatus, message string) error

	CreatePaper(p *models.Paper) error
	SavePaper(p *models.Paper) error
	GetPaper(id uint) (*models.Paper, error)
	ReferencePapers(analysisID uint) ([]*models.Paper, error)
	MissingPapers(analysisID uint) ([]*models.Paper, error)
	PaperByMarker(analysisID uint, marker string) (*models.Paper, error)
	MissingPaperByMarker(analysisID uint, marker string) (*models.Paper, error)

	CreateQuote(q *models.Quote) error
	SaveQuote(q *models.Quote) error
	QuotesByAnalysis(analysisID uint) ([]*models.Quote, error)
	QuoteCount(analysisID uint) (int64, error)
}

// RefResolver resolves cited references in place.
type RefResolver interface {
	ResolveAll(ctx context.Context, papers []*models.Paper)
}

// Grader grades one quote against its source document, writing the verdict
// into the quote.
type Grader interface {
	GradeQuote(ctx context.Context, quote *models.Quote, source *models.Paper) error
}

// Pipeline drives an analysis through its stages. Stage transitions are
// persisted before the stage runs, so a crashed run is visible in the status
// field. Any stage error moves the analysis to failed with the error text as
// status message.
type Pipeline struct {
	Config    *config.Config
	Store     Store
	Docs      Documents
	Extractor TextExtractor
	Quotes    *QuoteExtractor
	Refs      *ReferenceParser
	Resolver  RefResolver
	Grader    Grader
	Logger    *zap.Logger
}

func NewPipeline(cfg *config.Config, st Store, docs Documents, extractor TextExtractor,
	quotes *QuoteExtractor, refs *ReferenceParser, resolver RefResolver, grader Grader,
	logger *zap.Logger) *Pipeline {
	return &Pipeline{
		Config:    cfg,
		Store:     st,
		Docs:      docs,
		Extractor: extractor,
		Quotes:    quotes,
		Refs:      refs,
		Resolver:  resolver,
		Grader:    grader,
		Logger:    logger,
	}
}

// Run executes a freshly created analysis end to end. It either finishes the
// analysis, parks it awaiting manual uploads, or fails it; the returned error
// mirrors the failure for the caller's log. An analysis must only have one
// Run or Continue in flight at a time.
func (p *Pipeline) Run(ctx context.Context, analysisID uint) error {
	log := p.Logger.With(zap.Uint("analysis_id", analysisID))

	analysis, err := p.Store.GetAnalysis(analysisID)
	if err != nil {
		return err
	}
	if analysis.Status != models.StatusPending {
		return fmt.Errorf("analysis %d is %s, expected %s", analysisID, analysis.Status, models.StatusPending)
	}

	if err := p.extractQuotes(ctx, analysis); err != nil {
		return p.fail(analysisID, err)
	}

	// Manual mode never fetches automatically and always parks, even when
	// the bibliography parsed to nothing; the caller decides when to resume.
	if analysis.ManualMode {
		log.Info("Manual mode, skipping automatic reference fetching")
		return p.park(analysisID, log)
	}

	if err := p.fetchReferences(ctx, analysis); err != nil {
		return p.fail(analysisID, err)
	}

	missing, err := p.Store.MissingPapers(analysisID)
	if err != nil {
		return p.fail(analysisID, err)
	}
	if len(missing) > 0 {
		return p.park(analysisID, log)
	}

	if err := p.validate(ctx, analysisID); err != nil {
		return p.fail(analysisID, err)
	}
	return nil
}

// park moves the analysis to awaiting_uploads, listing the markers still
// without a document in the status message.
func (p *Pipeline) park(analysisID uint, log *zap.Logger) error {
	missing, err := p.Store.MissingPapers(analysisID)
	if err != nil {
		return p.fail(analysisID, err)
	}

	msg := "waiting for uploads"
	if len(missing) > 0 {
		markers := make([]string, 0, len(missing))
		for _, m := range missing {
			markers = append(markers, m.ReferenceMarker)
		}
		msg += ": " + strings.Join(markers, ", ")
		log.Info("Analysis parked awaiting uploads", zap.Strings("markers", markers))
	} else {
		log.Info("Analysis parked awaiting uploads")
	}
	return p.Store.SetStatus(analysisID, models.StatusAwaitingUploads, msg)
}

// Continue resumes a parked analysis. Validation proceeds with whatever
// documents are available; quotes whose source is still missing fail
// individually.
func (p *Pipeline) Continue(ctx context.Context, analysisID uint) error {
	analysis, err := p.Store.GetAnalysis(analysisID)
	if err != nil {
		return err
	}
	if analysis.Status != models.StatusAwaitingUploads {
		return fmt.Errorf("analysis %d is %s, expected %s", analysisID, analysis.Status, models.StatusAwaitingUploads)
	}

	if err := p.validate(ctx, analysisID); err != nil {
		return p.fail(analysisID, err)
	}
	return nil
}

// AttachDocument stores a manually supplied document for an unresolved
// reference. The bytes must extract cleanly before anything is persisted, so
// a broken upload can be rejected without touching the analysis.
func (p *Pipeline) AttachDocument(ctx context.Context, analysisID uint, marker string, data []byte) (*models.Paper, error) {
	paper, err := p.Store.MissingPaperByMarker(analysisID, NormalizeMarker(marker))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no unresolved reference with marker %s", marker)
		}
		return nil, err
	}

	text, _, err := p.Extractor.Extract(data)
	if err != nil {
		return nil, err
	}

	// A fresh key per upload, so a replaced document never serves a stale
	// cached copy under the old public URL.
	key := fmt.Sprintf("analyses/%d/uploads/%s.pdf", analysisID, uuid.NewString())
	publicURL, err := p.Docs.Upload(ctx, key, data)
	if err != nil {
		return nil, err
	}

	paper.StorageKey = key
	paper.PublicURL = publicURL
	paper.ExtractedText = text
	paper.Source = models.SourceManual
	if err := p.Store.SavePaper(paper); err != nil {
		return nil, err
	}

	p.Logger.Info("Manual document attached",
		zap.Uint("analysis_id", analysisID),
		zap.String("marker", paper.ReferenceMarker))
	return paper, nil
}

// extractQuotes runs the first stage: pull the submitted document's text,
// extract quotes, and parse the reference list into paper records.
func (p *Pipeline) extractQuotes(ctx context.Context, analysis *models.Analysis) error {
	if err := p.Store.SetStatus(analysis.ID, models.StatusExtractingQuotes, ""); err != nil {
		return err
	}
	log := p.Logger.With(zap.Uint("analysis_id", analysis.ID))

	if analysis.UploadedPaperID == nil {
		return fmt.Errorf("analysis %d has no submitted document", analysis.ID)
	}
	paper, err := p.Store.GetPaper(*analysis.UploadedPaperID)
	if err != nil {
		return err
	}

	text := paper.ExtractedText
	if text == "" {
		data, err := p.Docs.Download(ctx, paper.StorageKey)
		if err != nil {
			return err
		}
		text, _, err = p.Extractor.Extract(data)
		if err != nil {
			return err
		}
		paper.ExtractedText = text
		if err := p.Store.SavePaper(paper); err != nil {
			return err
		}
	}

	// Quote extraction is single-shot: a resumed run must not duplicate rows.
	count, err := p.Store.QuoteCount(analysis.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		quotes := p.Quotes.ExtractQuotes(ctx, text)
		for _, q := range quotes {
			quote := &models.Quote{
				AnalysisID:      analysis.ID,
				Text:            q.Text,
				PageNumber:      q.PageNumber,
				ContextBefore:   q.ContextBefore,
				ContextAfter:    q.ContextAfter,
				ReferenceMarker: q.ReferenceMarker,
				Status:          models.QuotePending,
			}
			if err := p.Store.CreateQuote(quote); err != nil {
				return err
			}
		}
		log.Info("Quotes extracted", zap.Int("quotes", len(quotes)))
	}

	existing, err := p.Store.ReferencePapers(analysis.ID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		refs := p.Refs.ParseReferences(ctx, text)
		created := 0
		for _, ref := range refs {
			marker := referenceMarker(ref)
			if marker == "" {
				log.Debug("Reference entry without derivable marker skipped",
					zap.String("entry", ref.RawText))
				continue
			}
			rp := &models.Paper{
				AnalysisID:      analysis.ID,
				Title:           ref.Title,
				Authors:         ref.Authors,
				Year:            ref.Year,
				DOI:             ref.DOI,
				ArxivID:         ref.ArxivID,
				ReferenceMarker: marker,
				ReferenceText:   ref.RawText,
			}
			if err := p.Store.CreatePaper(rp); err != nil {
				return err
			}
			created++
		}
		log.Info("References parsed", zap.Int("references", created))
	}

	return nil
}

// referenceMarker derives the normalized marker for a bibliography entry:
// the entry's own [n] label when present, otherwise first author plus year,
// matching what quote markers normalize to.
func referenceMarker(ref Reference) string {
	if ref.Marker != "" {
		return NormalizeMarker(ref.Marker)
	}
	if ref.Authors == "" || ref.Year == 0 {
		return ""
	}
	surname := strings.Trim(strings.Fields(ref.Authors)[0], ".,")
	if surname == "" {
		return ""
	}
	return NormalizeMarker(fmt.Sprintf("(%s, %d)", surname, ref.Year))
}

// fetchReferences runs the resolver over every still-unresolved reference.
func (p *Pipeline) fetchReferences(ctx context.Context, analysis *models.Analysis) error {
	if err := p.Store.SetStatus(analysis.ID, models.StatusFetchingRefs, ""); err != nil {
		return err
	}

	missing, err := p.Store.MissingPapers(analysis.ID)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	p.Resolver.ResolveAll(ctx, missing)

	for _, paper := range missing {
		if err := p.Store.SavePaper(paper); err != nil {
			return err
		}
	}
	return nil
}

// validate grades every pending quote against its source document and closes
// the analysis.
func (p *Pipeline) validate(ctx context.Context, analysisID uint) error {
	if err := p.Store.SetStatus(analysisID, models.StatusValidating, ""); err != nil {
		return err
	}
	log := p.Logger.With(zap.Uint("analysis_id", analysisID))

	quotes, err := p.Store.QuotesByAnalysis(analysisID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, p.Config.ValidateWorkers)

	for _, quote := range quotes {
		if quote.Status != models.QuotePending {
			continue
		}
		wg.Add(1)
		semaphore <- struct{}{}

		go func(quote *models.Quote) {
			defer wg.Done()
			defer func() { <-semaphore }()
			p.gradeOne(ctx, quote)
		}(quote)
	}
	wg.Wait()

	for _, quote := range quotes {
		if err := p.Store.SaveQuote(quote); err != nil {
			return err
		}
	}

	log.Info("Analysis completed", zap.Int("quotes", len(quotes)))
	analysesCompletedCounter.Inc()
	return p.Store.SetStatus(analysisID, models.StatusCompleted, "")
}

// gradeOne grades a single quote. Grading failures are per-quote: the quote
// is marked failed with the reason and the analysis continues.
func (p *Pipeline) gradeOne(ctx context.Context, quote *models.Quote) {
	log := p.Logger.With(zap.Uint("quote_id", quote.ID), zap.String("marker", quote.ReferenceMarker))

	source, err := p.Store.PaperByMarker(quote.AnalysisID, quote.ReferenceMarker)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		quote.Status = models.QuoteFailed
		quote.Explanation = "source lookup failed: " + err.Error()
		quotesFailedCounter.Inc()
		log.Error("Quote source lookup failed", zap.Error(err))
		return
	}
	if err != nil || !source.Resolved() || source.ExtractedText == "" {
		quote.Status = models.QuoteFailed
		quote.Explanation = "no source document available for " + quote.ReferenceMarker
		quotesFailedCounter.Inc()
		log.Info("Quote failed, source document missing")
		return
	}

	if err := p.Grader.GradeQuote(ctx, quote, source); err != nil {
		quote.Status = models.QuoteFailed
		quote.Explanation = err.Error()
		quotesFailedCounter.Inc()
		log.Warn("Quote grading failed", zap.Error(err))
		return
	}
	quotesValidatedCounter.Inc()
}

// fail moves the analysis to the failed state, carrying the error text
// verbatim as status message, and bumps the failure counter.
func (p *Pipeline) fail(analysisID uint, cause error) error {
	analysesFailedCounter.Inc()
	p.Logger.Error("Analysis failed", zap.Uint("analysis_id", analysisID), zap.Error(cause))
	if err := p.Store.SetStatus(analysisID, models.StatusFailed, cause.Error()); err != nil {
		p.Logger.Error("Could not persist failure state", zap.Uint("analysis_id", analysisID), zap.Error(err))
	}
	return cause
}
