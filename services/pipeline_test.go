package services

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"quote-check/config"
	"quote-check/models"
)

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	mu        sync.Mutex
	analyses  map[uint]*models.Analysis
	papers    map[uint]*models.Paper
	quotes    map[uint]*models.Quote
	nextID    uint
	statusLog []models.AnalysisStatus

	// paperByMarkerErr, when set, is returned from every PaperByMarker call.
	paperByMarkerErr error
}

func newMemStore() *memStore {
	return &memStore{
		analyses: map[uint]*models.Analysis{},
		papers:   map[uint]*models.Paper{},
		quotes:   map[uint]*models.Quote{},
	}
}

func (s *memStore) id() uint {
	s.nextID++
	return s.nextID
}

func (s *memStore) GetAnalysis(id uint) (*models.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *a
	return &copied, nil
}

func (s *memStore) SetStatus(id uint, status models.AnalysisStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.Status = status
	a.StatusMessage = message
	s.statusLog = append(s.statusLog, status)
	return nil
}

func (s *memStore) CreatePaper(p *models.Paper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	copied := *p
	s.papers[p.ID] = &copied
	return nil
}

func (s *memStore) SavePaper(p *models.Paper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.papers[p.ID] = &copied
	return nil
}

func (s *memStore) GetPaper(id uint) (*models.Paper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.papers[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) papersWhere(match func(*models.Paper) bool) []*models.Paper {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Paper
	for _, p := range s.papers {
		if match(p) {
			copied := *p
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) ReferencePapers(analysisID uint) ([]*models.Paper, error) {
	return s.papersWhere(func(p *models.Paper) bool {
		return p.AnalysisID == analysisID && p.ReferenceMarker != ""
	}), nil
}

func (s *memStore) MissingPapers(analysisID uint) ([]*models.Paper, error) {
	return s.papersWhere(func(p *models.Paper) bool {
		return p.AnalysisID == analysisID && p.ReferenceMarker != "" && p.StorageKey == ""
	}), nil
}

func (s *memStore) PaperByMarker(analysisID uint, marker string) (*models.Paper, error) {
	s.mu.Lock()
	failWith := s.paperByMarkerErr
	s.mu.Unlock()
	if failWith != nil {
		return nil, failWith
	}
	found := s.papersWhere(func(p *models.Paper) bool {
		return p.AnalysisID == analysisID && p.ReferenceMarker == marker
	})
	if len(found) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return found[0], nil
}

func (s *memStore) MissingPaperByMarker(analysisID uint, marker string) (*models.Paper, error) {
	found := s.papersWhere(func(p *models.Paper) bool {
		return p.AnalysisID == analysisID && p.ReferenceMarker == marker && p.StorageKey == ""
	})
	if len(found) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return found[0], nil
}

func (s *memStore) CreateQuote(q *models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == 0 {
		q.ID = s.id()
	}
	copied := *q
	s.quotes[q.ID] = &copied
	return nil
}

func (s *memStore) SaveQuote(q *models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *q
	s.quotes[q.ID] = &copied
	return nil
}

func (s *memStore) QuotesByAnalysis(analysisID uint) ([]*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Quote
	for _, q := range s.quotes {
		if q.AnalysisID == analysisID {
			copied := *q
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) QuoteCount(analysisID uint) (int64, error) {
	quotes, _ := s.QuotesByAnalysis(analysisID)
	return int64(len(quotes)), nil
}

// fakeRefResolver runs a per-paper callback instead of real providers.
type fakeRefResolver struct {
	mu      sync.Mutex
	called  bool
	resolve func(p *models.Paper)
}

func (f *fakeRefResolver) ResolveAll(ctx context.Context, papers []*models.Paper) {
	f.mu.Lock()
	f.called = true
	f.mu.Unlock()
	for _, p := range papers {
		if f.resolve != nil {
			f.resolve(p)
		}
	}
}

type fakeGrader struct {
	mu    sync.Mutex
	grade int
	err   error
	calls int
}

func (g *fakeGrader) GradeQuote(ctx context.Context, quote *models.Quote, source *models.Paper) error {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	grade := g.grade
	quote.Status = models.QuoteValidated
	quote.Grade = &grade
	quote.Explanation = "matches the source"
	return nil
}

const submittedText = `--- Page 1 ---
The survey observes that "deep networks memorize before they generalize" [1] in several settings.

--- Page 2 ---
References
[1] Smith, J. (2020). "Memorization and Generalization". Journal of Learning. arXiv:2000.11111
`

func newTestPipeline(st Store, resolver RefResolver, grader Grader) (*Pipeline, *fakeDocs) {
	cfg := &config.Config{ResolveWorkers: 2, ValidateWorkers: 2, MaxSourceChars: 50000, MaxUploadSizeMB: 50}
	docs := newFakeDocs()
	p := NewPipeline(cfg, st, docs, &fakeTextExtractor{text: "cited source text"},
		NewQuoteExtractor(zap.NewNop()), NewReferenceParser(zap.NewNop()),
		resolver, grader, zap.NewNop())
	return p, docs
}

// seedAnalysis creates a pending analysis whose submitted paper already has
// extracted text.
func seedAnalysis(st *memStore, manual bool) *models.Analysis {
	paper := &models.Paper{AnalysisID: 1, Source: models.SourceUploaded, StorageKey: "analyses/1/submission.pdf", ExtractedText: submittedText}
	st.CreatePaper(paper)

	st.mu.Lock()
	analysis := &models.Analysis{ID: 1, Status: models.StatusPending, ManualMode: manual, UploadedPaperID: &paper.ID}
	st.analyses[1] = analysis
	st.mu.Unlock()
	return analysis
}

func TestPipelineRunCompletes(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, false)

	resolver := &fakeRefResolver{resolve: func(p *models.Paper) {
		p.StorageKey = "resolved.pdf"
		p.ExtractedText = "deep networks memorize before they generalize, we find"
		p.Source = models.SourceArxiv
	}}
	grader := &fakeGrader{grade: 91}

	p, _ := newTestPipeline(st, resolver, grader)
	require.NoError(t, p.Run(context.Background(), 1))

	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, analysis.Status)
	assert.Equal(t, []models.AnalysisStatus{
		models.StatusExtractingQuotes,
		models.StatusFetchingRefs,
		models.StatusValidating,
		models.StatusCompleted,
	}, st.statusLog)

	quotes, err := st.QuotesByAnalysis(1)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, models.QuoteValidated, quotes[0].Status)
	require.NotNil(t, quotes[0].Grade)
	assert.Equal(t, 91, *quotes[0].Grade)
	assert.Equal(t, "[1]", quotes[0].ReferenceMarker)
	assert.Equal(t, 1, grader.calls)

	refs, err := st.ReferencePapers(1)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "[1]", refs[0].ReferenceMarker)
	assert.Equal(t, "2000.11111", refs[0].ArxivID)
}

func TestPipelineParksWhenReferencesMissing(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, false)

	p, _ := newTestPipeline(st, &fakeRefResolver{}, &fakeGrader{grade: 50})
	require.NoError(t, p.Run(context.Background(), 1))

	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingUploads, analysis.Status)
	assert.Contains(t, analysis.StatusMessage, "[1]")

	missing, err := st.MissingPapers(1)
	require.NoError(t, err)
	assert.Len(t, missing, 1)
}

func TestPipelineManualModeSkipsFetching(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, true)

	resolver := &fakeRefResolver{}
	p, _ := newTestPipeline(st, resolver, &fakeGrader{grade: 50})
	require.NoError(t, p.Run(context.Background(), 1))

	assert.False(t, resolver.called)
	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingUploads, analysis.Status)
	assert.NotContains(t, st.statusLog, models.StatusFetchingRefs)
}

func TestPipelineManualModeParksWithoutReferences(t *testing.T) {
	st := newMemStore()
	// A quote citing [1] but no bibliography at all: nothing to resolve, yet
	// the analysis must still wait for the caller's documents.
	text := `--- Page 1 ---
The survey observes that "deep networks memorize before they generalize" [1] in several settings.
`
	paper := &models.Paper{AnalysisID: 1, Source: models.SourceUploaded, StorageKey: "analyses/1/submission.pdf", ExtractedText: text}
	st.CreatePaper(paper)
	st.mu.Lock()
	st.analyses[1] = &models.Analysis{ID: 1, Status: models.StatusPending, ManualMode: true, UploadedPaperID: &paper.ID}
	st.mu.Unlock()

	p, _ := newTestPipeline(st, &fakeRefResolver{}, &fakeGrader{grade: 50})
	require.NoError(t, p.Run(context.Background(), 1))

	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingUploads, analysis.Status)
	assert.Equal(t, []models.AnalysisStatus{
		models.StatusExtractingQuotes,
		models.StatusAwaitingUploads,
	}, st.statusLog)
}

func TestPipelineContinueAfterManualUpload(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, true)

	grader := &fakeGrader{grade: 78}
	p, docs := newTestPipeline(st, &fakeRefResolver{}, grader)
	require.NoError(t, p.Run(context.Background(), 1))

	paper, err := p.AttachDocument(context.Background(), 1, "[1]", []byte("%PDF-1.4 uploaded"))
	require.NoError(t, err)
	assert.Equal(t, models.SourceManual, paper.Source)
	assert.Equal(t, "cited source text", paper.ExtractedText)
	assert.NotEmpty(t, docs.objects[paper.StorageKey])

	require.NoError(t, p.Continue(context.Background(), 1))

	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, analysis.Status)

	quotes, err := st.QuotesByAnalysis(1)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, models.QuoteValidated, quotes[0].Status)
}

func TestPipelineContinueDoesNotDuplicateQuotes(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, true)

	p, _ := newTestPipeline(st, &fakeRefResolver{}, &fakeGrader{grade: 60})
	require.NoError(t, p.Run(context.Background(), 1))
	_, err := p.AttachDocument(context.Background(), 1, "[1]", []byte("%PDF-1.4 uploaded"))
	require.NoError(t, err)
	require.NoError(t, p.Continue(context.Background(), 1))

	count, err := st.QuoteCount(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestPipelineQuoteWithoutSourceFailsIndividually(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, true)

	p, _ := newTestPipeline(st, &fakeRefResolver{}, &fakeGrader{grade: 60})
	require.NoError(t, p.Run(context.Background(), 1))

	// Resume without supplying the missing document.
	require.NoError(t, p.Continue(context.Background(), 1))

	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, analysis.Status)

	quotes, err := st.QuotesByAnalysis(1)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, models.QuoteFailed, quotes[0].Status)
	assert.Contains(t, quotes[0].Explanation, "[1]")
}

func TestPipelineGraderErrorFailsQuoteNotAnalysis(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, false)

	resolver := &fakeRefResolver{resolve: func(p *models.Paper) {
		p.StorageKey = "resolved.pdf"
		p.ExtractedText = "some source body"
	}}
	grader := &fakeGrader{err: assert.AnError}

	p, _ := newTestPipeline(st, resolver, grader)
	require.NoError(t, p.Run(context.Background(), 1))

	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, analysis.Status)

	quotes, err := st.QuotesByAnalysis(1)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, models.QuoteFailed, quotes[0].Status)
	assert.NotEmpty(t, quotes[0].Explanation)
}

func TestPipelineSourceLookupErrorRecordsCause(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, false)

	resolver := &fakeRefResolver{resolve: func(p *models.Paper) {
		p.StorageKey = "resolved.pdf"
		p.ExtractedText = "some source body"
	}}
	p, _ := newTestPipeline(st, resolver, &fakeGrader{grade: 60})

	st.mu.Lock()
	st.paperByMarkerErr = assert.AnError
	st.mu.Unlock()

	require.NoError(t, p.Run(context.Background(), 1))

	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, analysis.Status)

	quotes, err := st.QuotesByAnalysis(1)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, models.QuoteFailed, quotes[0].Status)
	assert.Contains(t, quotes[0].Explanation, "source lookup failed")
	assert.Contains(t, quotes[0].Explanation, assert.AnError.Error())
	assert.NotContains(t, quotes[0].Explanation, "no source document")
}

func TestPipelineRunRequiresPending(t *testing.T) {
	st := newMemStore()
	a := seedAnalysis(st, false)
	st.mu.Lock()
	st.analyses[a.ID].Status = models.StatusCompleted
	st.mu.Unlock()

	p, _ := newTestPipeline(st, &fakeRefResolver{}, &fakeGrader{})
	assert.Error(t, p.Run(context.Background(), 1))
}

func TestPipelineContinueRequiresAwaitingUploads(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, false)

	p, _ := newTestPipeline(st, &fakeRefResolver{}, &fakeGrader{})
	assert.Error(t, p.Continue(context.Background(), 1))
}

func TestPipelineExtractionFailureFailsAnalysis(t *testing.T) {
	st := newMemStore()
	paper := &models.Paper{AnalysisID: 1, StorageKey: "analyses/1/submission.pdf"}
	st.CreatePaper(paper)
	st.mu.Lock()
	st.analyses[1] = &models.Analysis{ID: 1, Status: models.StatusPending, UploadedPaperID: &paper.ID}
	st.mu.Unlock()

	// The document bytes were never stored, so the download must fail.
	p, _ := newTestPipeline(st, &fakeRefResolver{}, &fakeGrader{})
	assert.Error(t, p.Run(context.Background(), 1))

	analysis, err := st.GetAnalysis(1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, analysis.Status)
	assert.NotEmpty(t, analysis.StatusMessage)
}

func TestPipelineAttachDocumentUnknownMarker(t *testing.T) {
	st := newMemStore()
	seedAnalysis(st, true)

	p, _ := newTestPipeline(st, &fakeRefResolver{}, &fakeGrader{})
	require.NoError(t, p.Run(context.Background(), 1))

	_, err := p.AttachDocument(context.Background(), 1, "[99]", []byte("%PDF-1.4"))
	assert.Error(t, err)
}
