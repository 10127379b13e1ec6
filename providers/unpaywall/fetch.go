package unpaywall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"quote-check/config"
	"quote-check/providers"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Response is the JSON answer of the Unpaywall API.
type Response struct {
	IsOA           bool   `json:"is_oa"`
	Title          string `json:"title"`
	Year           int    `json:"year"`
	BestOALocation struct {
		URLForPDF string `json:"url_for_pdf"`
	} `json:"best_oa_location"`
	ZAuthors []struct {
		Given  string `json:"given"`
		Family string `json:"family"`
	} `json:"z_authors"`
}

// Fetcher resolves DOIs to open-access copies via Unpaywall.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// ResolveDOI looks up a DOI and accepts only results that are flagged open
// access and expose a direct PDF link.
func (f *Fetcher) ResolveDOI(ctx context.Context, doi string) providers.Lookup {
	endpoint := fmt.Sprintf("%s/%s?email=%s", f.Config.UnpaywallBaseURL, doi, f.Config.UnpaywallEmail)
	log := f.Logger.With(zap.String("doi", doi))
	log.Debug("Calling Unpaywall API")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.Lookup{Outcome: providers.TransientError, Err: err}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return providers.Lookup{Outcome: providers.TransientError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return providers.Lookup{Outcome: providers.NotFound}
	}
	if resp.StatusCode != http.StatusOK {
		return providers.Lookup{
			Outcome: providers.TransientError,
			Err:     fmt.Errorf("unpaywall request failed with status: %d", resp.StatusCode),
		}
	}

	var ur Response
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return providers.Lookup{Outcome: providers.TransientError, Err: err}
	}

	if !ur.IsOA || ur.BestOALocation.URLForPDF == "" {
		log.Debug("No open-access PDF in Unpaywall answer")
		return providers.Lookup{Outcome: providers.NotFound}
	}

	log.Info("Open-access PDF found via Unpaywall")
	return providers.Lookup{
		Outcome: providers.Found,
		PDFURL:  ur.BestOALocation.URLForPDF,
		Metadata: providers.Metadata{
			Title:   ur.Title,
			Authors: joinAuthors(ur),
			Year:    ur.Year,
			DOI:     doi,
		},
	}
}

func joinAuthors(ur Response) string {
	var out string
	for i, a := range ur.ZAuthors {
		if i > 0 {
			out += ", "
		}
		if a.Given != "" {
			out += a.Given + " "
		}
		out += a.Family
	}
	return out
}
