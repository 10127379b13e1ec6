package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"quote-check/config"
	"quote-check/providers"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// idPattern strips the version suffix from an arXiv abs URL.
var idPattern = regexp.MustCompile(`arxiv\.org/abs/(.+?)(v\d+)?$`)

// Fetcher queries the arXiv export API.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// LookupID fetches a single work by its arXiv identifier. Version suffixes
// are dropped before the query.
func (f *Fetcher) LookupID(ctx context.Context, id string) providers.Lookup {
	id = strings.SplitN(id, "v", 2)[0]
	query := url.Values{}
	query.Set("id_list", id)
	query.Set("max_results", "1")

	entries, err := f.query(ctx, query)
	if err != nil {
		return providers.Lookup{Outcome: providers.TransientError, Err: err}
	}
	if len(entries) == 0 {
		return providers.Lookup{Outcome: providers.NotFound}
	}
	return entryLookup(&entries[0])
}

// SearchTitle searches arXiv by title. A result is accepted only when at
// least two non-trivial words overlap with the requested title, to guard
// against false positives on loose full-text matches.
func (f *Fetcher) SearchTitle(ctx context.Context, title string) providers.Lookup {
	query := url.Values{}
	query.Set("search_query", "ti:"+quoteQuery(title))
	query.Set("max_results", "3")

	entries, err := f.query(ctx, query)
	if err != nil {
		return providers.Lookup{Outcome: providers.TransientError, Err: err}
	}

	for i := range entries {
		if TitlesOverlap(title, entries[i].Title) {
			return entryLookup(&entries[i])
		}
		f.Logger.Debug("arXiv title candidate rejected",
			zap.String("wanted", title),
			zap.String("got", entries[i].Title))
	}
	return providers.Lookup{Outcome: providers.NotFound}
}

func (f *Fetcher) query(ctx context.Context, query url.Values) ([]entry, error) {
	endpoint := fmt.Sprintf("%s/query?%s", strings.TrimRight(f.Config.ArxivBaseURL, "/"), query.Encode())
	f.Logger.Debug("Calling arXiv API", zap.String("url", endpoint))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv request failed with status: %d", resp.StatusCode)
	}

	var fd feed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&fd); err != nil {
		return nil, err
	}
	return fd.Entries, nil
}

// entryLookup converts an Atom entry into a Found lookup with metadata.
func entryLookup(e *entry) providers.Lookup {
	var pdfURL string
	for _, l := range e.Links {
		if l.Title == "pdf" || l.Type == "application/pdf" {
			pdfURL = l.Href
			break
		}
	}

	var id string
	if m := idPattern.FindStringSubmatch(e.ID); m != nil {
		id = m[1]
	}
	if pdfURL == "" && id != "" {
		pdfURL = "https://arxiv.org/pdf/" + id + ".pdf"
	}
	if pdfURL == "" {
		return providers.Lookup{Outcome: providers.NotFound}
	}

	names := make([]string, 0, len(e.Authors))
	for _, a := range e.Authors {
		names = append(names, a.Name)
	}

	var year int
	if len(e.Published) >= 4 {
		year, _ = strconv.Atoi(e.Published[:4])
	}

	return providers.Lookup{
		Outcome: providers.Found,
		PDFURL:  pdfURL,
		Metadata: providers.Metadata{
			Title:   strings.TrimSpace(e.Title),
			Authors: strings.Join(names, ", "),
			Year:    year,
			DOI:     e.DOI,
			ArxivID: id,
		},
	}
}

// TitlesOverlap reports whether two titles share at least two non-trivial
// words (four letters or more, case-insensitive).
func TitlesOverlap(a, b string) bool {
	words := func(s string) map[string]bool {
		set := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(s)) {
			w = strings.Trim(w, ".,:;()\"'")
			if len(w) >= 4 {
				set[w] = true
			}
		}
		return set
	}
	wa, wb := words(a), words(b)
	overlap := 0
	for w := range wa {
		if wb[w] {
			overlap++
			if overlap >= 2 {
				return true
			}
		}
	}
	return false
}

func quoteQuery(title string) string {
	return `"` + strings.ReplaceAll(title, `"`, " ") + `"`
}
