package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"quote-check/config"
	"quote-check/models"
	"quote-check/pdftext"
	"quote-check/providers"
)

// CustomTransport adds a browser User-Agent to every request. Some publisher
// hosts refuse downloads from default Go clients.
type CustomTransport struct {
	Transport http.RoundTripper
}

func (t *CustomTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	return t.Transport.RoundTrip(req)
}

// httpClient is used for all document downloads in this service.
var httpClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &CustomTransport{
		Transport: http.DefaultTransport,
	},
}

// Documents stores and retrieves raw document bytes.
type Documents interface {
	Upload(ctx context.Context, key string, data []byte) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// TextExtractor turns document bytes into page-marked plain text.
type TextExtractor interface {
	Extract(data []byte) (string, []pdftext.Page, error)
}

// Resolver locates open-access copies of cited references. Each reference is
// tried against a fixed provider chain; a failed reference is left unresolved
// rather than failing the analysis.
type Resolver struct {
	Config    *config.Config
	Docs      Documents
	Extractor TextExtractor
	Arxiv     providers.IdentifierProvider
	Unpaywall providers.DOIProvider
	Index     providers.IndexProvider
	Logger    *zap.Logger
}

func NewResolver(cfg *config.Config, docs Documents, extractor TextExtractor,
	arxiv providers.IdentifierProvider, unpaywall providers.DOIProvider,
	index providers.IndexProvider, logger *zap.Logger) *Resolver {
	return &Resolver{
		Config:    cfg,
		Docs:      docs,
		Extractor: extractor,
		Arxiv:     arxiv,
		Unpaywall: unpaywall,
		Index:     index,
		Logger:    logger,
	}
}

// ResolveAll resolves the given references concurrently. Papers are mutated
// in place; persisting them is the caller's job.
func (r *Resolver) ResolveAll(ctx context.Context, papers []*models.Paper) {
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, r.Config.ResolveWorkers)

	for _, paper := range papers {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(paper *models.Paper) {
			defer wg.Done()
			defer func() { <-semaphore }()
			r.Resolve(ctx, paper)
		}(paper)
	}

	wg.Wait()
}

type chainStep struct {
	name   string
	source models.PaperSource
	call   func(ctx context.Context) providers.Lookup
}

// chain builds the provider sequence for one reference. Identifier lookups
// run only when the reference actually carries the identifier, so a
// title-only reference goes straight to the title-based steps.
func (r *Resolver) chain(paper *models.Paper) []chainStep {
	var steps []chainStep

	if paper.ArxivID != "" {
		id := paper.ArxivID
		steps = append(steps, chainStep{"arxiv_id", models.SourceArxiv,
			func(ctx context.Context) providers.Lookup { return r.Arxiv.LookupID(ctx, id) }})
	} else if paper.Title != "" {
		title := paper.Title
		steps = append(steps, chainStep{"arxiv_title", models.SourceArxiv,
			func(ctx context.Context) providers.Lookup { return r.Arxiv.SearchTitle(ctx, title) }})
	}

	if paper.DOI != "" {
		doi := paper.DOI
		steps = append(steps, chainStep{"unpaywall", models.SourceUnpaywall,
			func(ctx context.Context) providers.Lookup { return r.Unpaywall.ResolveDOI(ctx, doi) }})
	}

	if query := indexQuery(paper); query != "" {
		steps = append(steps, chainStep{"semantic_scholar", models.SourceSemanticScholar,
			func(ctx context.Context) providers.Lookup { return r.Index.SearchIndex(ctx, query) }})
	}

	return steps
}

// indexQuery picks the search text for the scholarly index. Without a parsed
// title the start of the raw reference entry still makes a usable query.
func indexQuery(paper *models.Paper) string {
	if paper.Title != "" {
		return paper.Title
	}
	raw := strings.TrimSpace(paper.ReferenceText)
	if len(raw) > 100 {
		raw = raw[:100]
	}
	return raw
}

// Resolve walks the provider chain for a single reference and commits the
// first lookup whose document can actually be downloaded and read.
func (r *Resolver) Resolve(ctx context.Context, paper *models.Paper) {
	log := r.Logger.With(zap.Uint("paper_id", paper.ID), zap.String("marker", paper.ReferenceMarker))

	for _, step := range r.chain(paper) {
		lookup := step.call(ctx)
		switch lookup.Outcome {
		case providers.TransientError:
			providerTransientCounter.Inc()
			log.Warn("Provider lookup failed", zap.String("provider", step.name), zap.Error(lookup.Err))
			continue
		case providers.NotFound:
			log.Debug("Provider has no match", zap.String("provider", step.name))
			continue
		}

		if r.commit(ctx, paper, lookup, step.source) {
			referencesResolvedCounter.Inc()
			log.Info("Reference resolved", zap.String("provider", step.name))
			return
		}
	}

	referencesMissingCounter.Inc()
	log.Info("Reference could not be resolved automatically")
}

// commit downloads, extracts and stores a located document. Any failure
// along the way rejects the lookup so the chain can try the next provider.
func (r *Resolver) commit(ctx context.Context, paper *models.Paper, lookup providers.Lookup, source models.PaperSource) bool {
	log := r.Logger.With(zap.Uint("paper_id", paper.ID), zap.String("url", lookup.PDFURL))

	data, err := r.download(ctx, lookup.PDFURL)
	if err != nil {
		log.Warn("Document download failed", zap.Error(err))
		return false
	}

	text, _, err := r.Extractor.Extract(data)
	if err != nil {
		log.Warn("Downloaded document is not readable", zap.Error(err))
		return false
	}

	key := fmt.Sprintf("analyses/%d/references/%d.pdf", paper.AnalysisID, paper.ID)
	publicURL, err := r.Docs.Upload(ctx, key, data)
	if err != nil {
		log.Error("Document upload failed", zap.Error(err))
		return false
	}

	paper.StorageKey = key
	paper.PublicURL = publicURL
	paper.ExtractedText = text
	paper.Source = source
	mergeMetadata(paper, lookup.Metadata)
	return true
}

// mergeMetadata overwrites the heuristically parsed fields with the
// provider's answer, but only where the provider actually reported a value.
func mergeMetadata(paper *models.Paper, md providers.Metadata) {
	if md.Title != "" {
		paper.Title = md.Title
	}
	if md.Authors != "" {
		paper.Authors = md.Authors
	}
	if md.Year != 0 {
		paper.Year = md.Year
	}
	if md.DOI != "" {
		paper.DOI = md.DOI
	}
	if md.ArxivID != "" {
		paper.ArxivID = md.ArxivID
	}
}

func (r *Resolver) download(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.Config.MaxUploadSizeMB<<20))
	if err != nil {
		return nil, err
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "pdf") && !bytes.HasPrefix(data, []byte("%PDF")) {
		return nil, fmt.Errorf("resource is not a PDF (content-type %q)", contentType)
	}
	return data, nil
}
