package terminology

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/clinicaltrials/gridline/pkg/config"
)

// UMLSClient is the delegated client serving the combined "umls/snomed"
// routing entry: one underlying UTS HTTP client and API key resolve both
// the SNOMED CT code and the UMLS concept identifier for a term.
type UMLSClient struct {
	baseURL    string
	apiKey     string
	httpClient httpDoer
	limiter    *rate.Limiter
}

// NewUMLSClient creates a UMLS client from config. An empty API key is
// allowed at construction time; searches will fail with HTTP 401 until one
// is configured.
func NewUMLSClient(cfg config.TerminologyClientConfig) *UMLSClient {
	return &UMLSClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(15), 15),
	}
}

// umlsSearchResponse mirrors the UTS /search payload.
type umlsSearchResponse struct {
	Result struct {
		Results []struct {
			UI         string `json:"ui"`
			Name       string `json:"name"`
			RootSource string `json:"rootSource"`
		} `json:"results"`
	} `json:"result"`
}

// Search resolves term against SNOMED CT through UTS. Each candidate
// carries the SNOMED code in Code and the UMLS concept identifier in CUI;
// the CUIs come from one second UTS search, paired with the codes by rank
// position.
func (c *UMLSClient) Search(ctx context.Context, term string, limit int) ([]Candidate, error) {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return nil, err
	}

	// First pass: SNOMED CT source-asserted identifiers.
	u := fmt.Sprintf("%s/search/current?string=%s&sabs=SNOMEDCT_US&returnIdType=code&pageSize=%d&apiKey=%s",
		c.baseURL, url.QueryEscape(term), limit, url.QueryEscape(c.apiKey))

	var codeResp umlsSearchResponse
	if err := getJSON(ctx, c.httpClient, "umls", u, nil, &codeResp); err != nil {
		return nil, err
	}
	if len(codeResp.Result.Results) == 0 {
		return nil, nil
	}

	// Second pass: the concept-level search yields CUIs in the same rank
	// order; pair them positionally with the SNOMED codes.
	cu := fmt.Sprintf("%s/search/current?string=%s&pageSize=%d&apiKey=%s",
		c.baseURL, url.QueryEscape(term), limit, url.QueryEscape(c.apiKey))

	var cuiResp umlsSearchResponse
	if err := getJSON(ctx, c.httpClient, "umls", cu, nil, &cuiResp); err != nil {
		return nil, err
	}

	var out []Candidate
	for i, r := range codeResp.Result.Results {
		if r.UI == "" || r.UI == "NONE" {
			continue
		}
		cand := Candidate{
			Code:       r.UI,
			Display:    r.Name,
			System:     "umls/snomed",
			Confidence: positionConfidence(i),
		}
		if i < len(cuiResp.Result.Results) {
			cand.CUI = cuiResp.Result.Results[i].UI
		}
		out = append(out, cand)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
