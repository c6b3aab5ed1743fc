package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/clinicaltrials/gridline/pkg/config"
)

// ICD10Client searches the NLM Clinical Tables ICD-10-CM API. No API key is
// required.
type ICD10Client struct {
	baseURL    string
	httpClient httpDoer
	limiter    *rate.Limiter
}

// NewICD10Client creates an ICD-10 client from config.
func NewICD10Client(cfg config.TerminologyClientConfig) *ICD10Client {
	return &ICD10Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(20), 20),
	}
}

// Search returns condition candidates for term. The Clinical Tables API
// responds with a positional array: [total, [codes], null, [[code, name]]].
// It reports no match scores, so confidence decays by result position.
func (c *ICD10Client) Search(ctx context.Context, term string, limit int) ([]Candidate, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/search?sf=code,name&maxList=%d&terms=%s",
		c.baseURL, limit, url.QueryEscape(term))

	var raw []json.RawMessage
	if err := getJSON(ctx, c.httpClient, "icd10", u, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("icd10: unexpected response shape (%d elements)", len(raw))
	}

	var display [][]string
	if err := json.Unmarshal(raw[3], &display); err != nil {
		return nil, fmt.Errorf("icd10: decode display field: %w", err)
	}

	var out []Candidate
	for i, pair := range display {
		if len(pair) < 2 || pair[0] == "" {
			continue
		}
		out = append(out, Candidate{
			Code:       pair[0],
			Display:    pair[1],
			System:     "icd10",
			Confidence: positionConfidence(i),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// positionConfidence assigns a decaying confidence to rank-ordered results
// from APIs that return no scores: 0.9 for the top hit, floored at 0.5.
func positionConfidence(rank int) float64 {
	c := 0.9 - 0.05*float64(rank)
	if c < 0.5 {
		c = 0.5
	}
	return c
}
