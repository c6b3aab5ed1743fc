package terminology

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/clinicaltrials/gridline/pkg/config"
)

// RxNormClient searches the RxNav approximate-match API for medication
// concepts. No API key is required.
type RxNormClient struct {
	baseURL    string
	httpClient httpDoer
	limiter    *rate.Limiter
}

// NewRxNormClient creates an RxNorm client from config.
func NewRxNormClient(cfg config.TerminologyClientConfig) *RxNormClient {
	return &RxNormClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(20), 20),
	}
}

// rxnormResponse mirrors the RxNav approximateTerm.json payload.
type rxnormResponse struct {
	ApproximateGroup struct {
		Candidate []struct {
			RxCUI string `json:"rxcui"`
			Score string `json:"score"`
			Rank  string `json:"rank"`
			Name  string `json:"name"`
		} `json:"candidate"`
	} `json:"approximateGroup"`
}

// Search returns medication candidates for term. RxNav scores are 0-100;
// they are normalized into [0.0, 1.0].
func (c *RxNormClient) Search(ctx context.Context, term string, limit int) ([]Candidate, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/approximateTerm.json?term=%s&maxEntries=%d",
		c.baseURL, url.QueryEscape(term), limit)

	var resp rxnormResponse
	if err := getJSON(ctx, c.httpClient, "rxnorm", u, nil, &resp); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Candidate
	for _, cand := range resp.ApproximateGroup.Candidate {
		if cand.RxCUI == "" || seen[cand.RxCUI] {
			continue
		}
		seen[cand.RxCUI] = true

		score, err := strconv.ParseFloat(cand.Score, 64)
		if err != nil {
			score = 0
		}
		out = append(out, Candidate{
			Code:       cand.RxCUI,
			Display:    cand.Name,
			System:     "rxnorm",
			Confidence: clampConfidence(score / 100.0),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
