package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quote-check/config"
	"quote-check/models"
	"quote-check/pdftext"
	"quote-check/providers"
)

type fakeIdentifierProvider struct {
	mu             sync.Mutex
	lookupIDCalls  []string
	titleCalls     []string
	lookupIDResult providers.Lookup
	titleResult    providers.Lookup
}

func (f *fakeIdentifierProvider) LookupID(ctx context.Context, id string) providers.Lookup {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupIDCalls = append(f.lookupIDCalls, id)
	return f.lookupIDResult
}

func (f *fakeIdentifierProvider) SearchTitle(ctx context.Context, title string) providers.Lookup {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titleCalls = append(f.titleCalls, title)
	return f.titleResult
}

type fakeDOIProvider struct {
	mu     sync.Mutex
	calls  []string
	result providers.Lookup
}

func (f *fakeDOIProvider) ResolveDOI(ctx context.Context, doi string) providers.Lookup {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, doi)
	return f.result
}

type fakeIndexProvider struct {
	mu     sync.Mutex
	calls  []string
	result providers.Lookup
}

func (f *fakeIndexProvider) SearchIndex(ctx context.Context, query string) providers.Lookup {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query)
	return f.result
}

type fakeDocs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{objects: map[string][]byte{}}
}

func (f *fakeDocs) Upload(ctx context.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return "https://docs.test/" + key, nil
}

func (f *fakeDocs) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return data, nil
}

type fakeTextExtractor struct {
	text string
	err  error
}

func (f *fakeTextExtractor) Extract(data []byte) (string, []pdftext.Page, error) {
	if f.err != nil {
		return "", nil, f.err
	}
	return f.text, []pdftext.Page{{Number: 1, Text: f.text}}, nil
}

func pdfServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 fake document body"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestResolver(arxiv *fakeIdentifierProvider, doi *fakeDOIProvider, index *fakeIndexProvider) (*Resolver, *fakeDocs) {
	cfg := &config.Config{ResolveWorkers: 2, MaxUploadSizeMB: 50}
	docs := newFakeDocs()
	r := NewResolver(cfg, docs, &fakeTextExtractor{text: "reference body"}, arxiv, doi, index, zap.NewNop())
	return r, docs
}

func TestResolvePrefersArxivIdentifier(t *testing.T) {
	srv := pdfServer(t)

	arxiv := &fakeIdentifierProvider{lookupIDResult: providers.Lookup{
		Outcome: providers.Found,
		PDFURL:  srv.URL + "/2101.12345.pdf",
		Metadata: providers.Metadata{
			Title: "Scaling Laws for Neural Language Models", Year: 2021,
		},
	}}
	doi := &fakeDOIProvider{result: providers.Lookup{Outcome: providers.Found, PDFURL: srv.URL}}
	index := &fakeIndexProvider{result: providers.Lookup{Outcome: providers.Found, PDFURL: srv.URL}}

	r, docs := newTestResolver(arxiv, doi, index)
	paper := &models.Paper{ID: 7, AnalysisID: 3, ArxivID: "2101.12345", DOI: "10.1/x", Title: "Scaling Laws"}
	r.Resolve(context.Background(), paper)

	assert.Equal(t, []string{"2101.12345"}, arxiv.lookupIDCalls)
	assert.Empty(t, arxiv.titleCalls)
	assert.Empty(t, doi.calls)
	assert.Empty(t, index.calls)

	assert.True(t, paper.Resolved())
	assert.Equal(t, models.SourceArxiv, paper.Source)
	assert.Equal(t, "analyses/3/references/7.pdf", paper.StorageKey)
	assert.Equal(t, "reference body", paper.ExtractedText)
	assert.Equal(t, "Scaling Laws for Neural Language Models", paper.Title)
	assert.Equal(t, 2021, paper.Year)
	assert.NotEmpty(t, docs.objects[paper.StorageKey])
}

func TestResolveChainFallsThrough(t *testing.T) {
	srv := pdfServer(t)

	arxiv := &fakeIdentifierProvider{lookupIDResult: providers.Lookup{Outcome: providers.NotFound}}
	doi := &fakeDOIProvider{result: providers.Lookup{
		Outcome: providers.TransientError, Err: fmt.Errorf("upstream 503"),
	}}
	index := &fakeIndexProvider{result: providers.Lookup{
		Outcome: providers.Found, PDFURL: srv.URL + "/paper.pdf",
	}}

	r, _ := newTestResolver(arxiv, doi, index)
	paper := &models.Paper{ID: 1, AnalysisID: 1, ArxivID: "1234.5678", DOI: "10.1/y", Title: "Some Cited Work"}
	r.Resolve(context.Background(), paper)

	assert.Len(t, arxiv.lookupIDCalls, 1)
	assert.Len(t, doi.calls, 1)
	assert.Equal(t, []string{"Some Cited Work"}, index.calls)
	assert.True(t, paper.Resolved())
	assert.Equal(t, models.SourceSemanticScholar, paper.Source)
}

func TestResolveTitleOnlySkipsIdentifierSteps(t *testing.T) {
	srv := pdfServer(t)

	arxiv := &fakeIdentifierProvider{titleResult: providers.Lookup{
		Outcome: providers.Found, PDFURL: srv.URL + "/found.pdf",
	}}
	doi := &fakeDOIProvider{result: providers.Lookup{Outcome: providers.Found, PDFURL: srv.URL}}
	index := &fakeIndexProvider{result: providers.Lookup{Outcome: providers.Found, PDFURL: srv.URL}}

	r, _ := newTestResolver(arxiv, doi, index)
	paper := &models.Paper{ID: 2, AnalysisID: 1, Title: "A Title Only Reference"}
	r.Resolve(context.Background(), paper)

	assert.Empty(t, arxiv.lookupIDCalls)
	assert.Empty(t, doi.calls)
	assert.Equal(t, []string{"A Title Only Reference"}, arxiv.titleCalls)
	assert.True(t, paper.Resolved())
}

func TestResolveFallsBackToRawReferenceText(t *testing.T) {
	srv := pdfServer(t)

	arxiv := &fakeIdentifierProvider{}
	doi := &fakeDOIProvider{}
	index := &fakeIndexProvider{result: providers.Lookup{
		Outcome: providers.Found, PDFURL: srv.URL + "/raw.pdf",
	}}

	r, _ := newTestResolver(arxiv, doi, index)
	raw := "Smith, J. et al. Proceedings of the 38th International Conference on Machine Learning, pages 1-12, PMLR, 2021."
	paper := &models.Paper{ID: 6, AnalysisID: 1, ReferenceText: raw}
	r.Resolve(context.Background(), paper)

	assert.Empty(t, arxiv.titleCalls)
	require.Len(t, index.calls, 1)
	assert.Equal(t, raw[:100], index.calls[0])
	assert.True(t, paper.Resolved())
}

func TestResolveExhaustedChainLeavesPaperUnresolved(t *testing.T) {
	arxiv := &fakeIdentifierProvider{
		lookupIDResult: providers.Lookup{Outcome: providers.NotFound},
		titleResult:    providers.Lookup{Outcome: providers.NotFound},
	}
	doi := &fakeDOIProvider{result: providers.Lookup{Outcome: providers.NotFound}}
	index := &fakeIndexProvider{result: providers.Lookup{Outcome: providers.NotFound}}

	r, _ := newTestResolver(arxiv, doi, index)
	paper := &models.Paper{ID: 3, AnalysisID: 1, ArxivID: "1111.2222", DOI: "10.1/z", Title: "Nowhere To Be Found"}
	r.Resolve(context.Background(), paper)

	assert.False(t, paper.Resolved())
	assert.Empty(t, paper.ExtractedText)
}

func TestResolveBadDownloadTriesNextProvider(t *testing.T) {
	srv := pdfServer(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(broken.Close)

	arxiv := &fakeIdentifierProvider{lookupIDResult: providers.Lookup{
		Outcome: providers.Found, PDFURL: broken.URL + "/gone.pdf",
	}}
	doi := &fakeDOIProvider{result: providers.Lookup{
		Outcome: providers.Found, PDFURL: srv.URL + "/ok.pdf",
	}}
	index := &fakeIndexProvider{result: providers.Lookup{Outcome: providers.NotFound}}

	r, _ := newTestResolver(arxiv, doi, index)
	paper := &models.Paper{ID: 4, AnalysisID: 1, ArxivID: "3333.4444", DOI: "10.1/w"}
	r.Resolve(context.Background(), paper)

	require.True(t, paper.Resolved())
	assert.Equal(t, models.SourceUnpaywall, paper.Source)
}

func TestResolveRejectsNonPDFDownload(t *testing.T) {
	htmlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>paywall</html>"))
	}))
	t.Cleanup(htmlSrv.Close)

	arxiv := &fakeIdentifierProvider{lookupIDResult: providers.Lookup{
		Outcome: providers.Found, PDFURL: htmlSrv.URL + "/landing",
	}}
	doi := &fakeDOIProvider{result: providers.Lookup{Outcome: providers.NotFound}}
	index := &fakeIndexProvider{result: providers.Lookup{Outcome: providers.NotFound}}

	r, _ := newTestResolver(arxiv, doi, index)
	paper := &models.Paper{ID: 5, AnalysisID: 1, ArxivID: "5555.6666"}
	r.Resolve(context.Background(), paper)

	assert.False(t, paper.Resolved())
}

func TestResolveAllResolvesConcurrently(t *testing.T) {
	srv := pdfServer(t)

	arxiv := &fakeIdentifierProvider{lookupIDResult: providers.Lookup{
		Outcome: providers.Found, PDFURL: srv.URL + "/a.pdf",
	}}
	doi := &fakeDOIProvider{result: providers.Lookup{Outcome: providers.NotFound}}
	index := &fakeIndexProvider{result: providers.Lookup{Outcome: providers.NotFound}}

	r, _ := newTestResolver(arxiv, doi, index)
	papers := []*models.Paper{
		{ID: 10, AnalysisID: 2, ArxivID: "1000.0001"},
		{ID: 11, AnalysisID: 2, ArxivID: "1000.0002"},
		{ID: 12, AnalysisID: 2, ArxivID: "1000.0003"},
	}
	r.ResolveAll(context.Background(), papers)

	for _, p := range papers {
		assert.True(t, p.Resolved(), "paper %d", p.ID)
	}
	assert.Len(t, arxiv.lookupIDCalls, 3)
}

func TestMergeMetadataKeepsExistingOnEmpty(t *testing.T) {
	paper := &models.Paper{Title: "Parsed Title", Authors: "Parsed Author", Year: 1999, DOI: "10.1/a"}
	mergeMetadata(paper, providers.Metadata{Title: "Provider Title", ArxivID: "2222.3333"})

	assert.Equal(t, "Provider Title", paper.Title)
	assert.Equal(t, "Parsed Author", paper.Authors)
	assert.Equal(t, 1999, paper.Year)
	assert.Equal(t, "10.1/a", paper.DOI)
	assert.Equal(t, "2222.3333", paper.ArxivID)
}
