package terminology

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/clinicaltrials/gridline/pkg/config"
)

// HPOClient searches the JAX Human Phenotype Ontology API for phenotype and
// biomarker concepts. No API key is required.
type HPOClient struct {
	baseURL    string
	httpClient httpDoer
	limiter    *rate.Limiter
}

// NewHPOClient creates an HPO client from config.
func NewHPOClient(cfg config.TerminologyClientConfig) *HPOClient {
	return &HPOClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
	}
}

// hpoResponse mirrors the JAX ontology search payload.
type hpoResponse struct {
	Terms []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"terms"`
}

// Search returns phenotype candidates for term. An exact name match scores
// 0.95; other results decay by position.
func (c *HPOClient) Search(ctx context.Context, term string, limit int) ([]Candidate, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/search?q=%s&max=%d", c.baseURL, url.QueryEscape(term), limit)

	var resp hpoResponse
	if err := getJSON(ctx, c.httpClient, "hpo", u, nil, &resp); err != nil {
		return nil, err
	}

	normalized := normalizeTerm(term)
	var out []Candidate
	for i, t := range resp.Terms {
		if t.ID == "" {
			continue
		}
		confidence := positionConfidence(i)
		if strings.EqualFold(normalizeTerm(t.Name), normalized) {
			confidence = 0.95
		}
		out = append(out, Candidate{
			Code:       t.ID,
			Display:    t.Name,
			System:     "hpo",
			Confidence: confidence,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
