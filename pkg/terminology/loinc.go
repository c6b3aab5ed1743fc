package terminology

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/clinicaltrials/gridline/pkg/config"
)

// LOINCClient searches the LOINC FHIR terminology server for lab-test
// concepts via ValueSet/$expand. Credentials are "user:password" passed as
// HTTP basic auth.
type LOINCClient struct {
	baseURL    string
	authHeader string
	httpClient httpDoer
	limiter    *rate.Limiter
}

// NewLOINCClient creates a LOINC client from config.
func NewLOINCClient(cfg config.TerminologyClientConfig) *LOINCClient {
	var auth string
	if cfg.APIKey != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.APIKey))
	}
	return &LOINCClient{
		baseURL:    cfg.BaseURL,
		authHeader: auth,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
	}
}

// fhirExpansion mirrors the subset of a FHIR ValueSet $expand response the
// client reads.
type fhirExpansion struct {
	Expansion struct {
		Contains []struct {
			Code    string `json:"code"`
			Display string `json:"display"`
		} `json:"contains"`
	} `json:"expansion"`
}

// Search returns lab-value candidates for term. FHIR expansion results
// carry no scores, so confidence decays by result position.
func (c *LOINCClient) Search(ctx context.Context, term string, limit int) ([]Candidate, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/ValueSet/$expand?url=%s&filter=%s&count=%d",
		c.baseURL, url.QueryEscape("http://loinc.org/vs"), url.QueryEscape(term), limit)

	headers := map[string]string{}
	if c.authHeader != "" {
		headers["Authorization"] = c.authHeader
	}

	var resp fhirExpansion
	if err := getJSON(ctx, c.httpClient, "loinc", u, headers, &resp); err != nil {
		return nil, err
	}

	var out []Candidate
	for i, item := range resp.Expansion.Contains {
		if item.Code == "" {
			continue
		}
		out = append(out, Candidate{
			Code:       item.Code,
			Display:    item.Display,
			System:     "loinc",
			Confidence: positionConfidence(i),
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
