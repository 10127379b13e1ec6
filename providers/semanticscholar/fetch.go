package semanticscholar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"quote-check/config"
	"quote-check/providers"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Fetcher searches the Semantic Scholar graph API by free-text query.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// SearchIndex queries the paper search endpoint and accepts the top result
// only when it exposes an open-access PDF.
func (f *Fetcher) SearchIndex(ctx context.Context, query string) providers.Lookup {
	params := url.Values{}
	params.Set("query", query)
	params.Set("fields", "title,authors,year,openAccessPdf,externalIds")
	params.Set("limit", "1")

	endpoint := fmt.Sprintf("%s/paper/search?%s",
		strings.TrimRight(f.Config.SemanticScholarBaseURL, "/"), params.Encode())
	f.Logger.Debug("Calling Semantic Scholar API", zap.String("query", query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.Lookup{Outcome: providers.TransientError, Err: err}
	}
	if f.Config.SemanticScholarAPIKey != "" {
		req.Header.Set("x-api-key", f.Config.SemanticScholarAPIKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return providers.Lookup{Outcome: providers.TransientError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return providers.Lookup{
			Outcome: providers.TransientError,
			Err:     fmt.Errorf("semantic scholar request failed with status: %d", resp.StatusCode),
		}
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return providers.Lookup{Outcome: providers.TransientError, Err: err}
	}

	if len(sr.Data) == 0 {
		return providers.Lookup{Outcome: providers.NotFound}
	}
	top := sr.Data[0]
	if top.OpenAccessPdf == nil || top.OpenAccessPdf.URL == "" {
		f.Logger.Debug("Top result has no open-access PDF", zap.String("title", top.Title))
		return providers.Lookup{Outcome: providers.NotFound}
	}

	names := make([]string, 0, len(top.Authors))
	for _, a := range top.Authors {
		names = append(names, a.Name)
	}

	return providers.Lookup{
		Outcome: providers.Found,
		PDFURL:  top.OpenAccessPdf.URL,
		Metadata: providers.Metadata{
			Title:   top.Title,
			Authors: strings.Join(names, ", "),
			Year:    top.Year,
			DOI:     top.ExternalIDs.DOI,
			ArxivID: top.ExternalIDs.ArXiv,
		},
	}
}
