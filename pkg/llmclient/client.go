// Package llmclient wraps the Gemini / Vertex AI model call that extracts
// eligibility criteria from protocol PDFs. Both backends are served by one
// SDK client; which circuit breaker guards the call follows the configured
// backend.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/resilience"
)

// RawEntity is one entity span the model identified inside a criterion.
type RawEntity struct {
	Text          string  `json:"text"`
	ContextWindow string  `json:"context_window"`
	Confidence    float64 `json:"confidence"`
}

// RawCriterion is the model's structured output for one eligibility
// criterion, before the parse node normalizes it.
type RawCriterion struct {
	Text           string           `json:"text"`
	Classification string           `json:"classification"`
	Category       string           `json:"category"`
	Confidence     float64          `json:"confidence"`
	PageNumber     int              `json:"page_number"`
	Thresholds     []RawThreshold   `json:"thresholds,omitempty"`
	Temporal       *RawTemporal     `json:"temporal,omitempty"`
	Conditions     []string         `json:"conditions,omitempty"`
	Assertion      string           `json:"assertion"`
	Entities       []RawEntity      `json:"entities"`
}

// RawThreshold mirrors the numeric-threshold schema field.
type RawThreshold struct {
	Comparator string   `json:"comparator"`
	Value      float64  `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Upper      *float64 `json:"upper,omitempty"`
}

// RawTemporal mirrors the temporal-constraint schema field.
type RawTemporal struct {
	Duration  string `json:"duration"`
	Relation  string `json:"relation"`
	Reference string `json:"reference"`
}

// Extractor is the LLM capability the pipeline consumes.
type Extractor interface {
	// Extract returns structured criteria for a protocol PDF.
	Extract(ctx context.Context, pdf []byte, title string) ([]RawCriterion, error)
	// Model identifies the extraction model for batch provenance.
	Model() string
	// Available reports whether the backing service's breaker admits
	// calls right now; used for the upload-time advisory.
	Available() bool
}

// Client is the genai-backed Extractor.
type Client struct {
	genai   *genai.Client
	model   string
	breaker *resilience.Breaker
}

// New constructs the client. With cfg.UseVertex the SDK targets Vertex AI
// under the vertex_ai breaker; otherwise the Gemini Developer API under the
// gemini breaker.
func New(ctx context.Context, cfg config.LLMConfig, breakers *resilience.Registry) (*Client, error) {
	clientCfg := &genai.ClientConfig{}
	service := "gemini"
	if cfg.UseVertex {
		clientCfg.Backend = genai.BackendVertexAI
		clientCfg.Project = cfg.Project
		clientCfg.Location = cfg.Location
		service = "vertex_ai"
	} else {
		clientCfg.APIKey = os.Getenv(cfg.APIKeyEnv)
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("llmclient: creating genai client: %w", err)
	}

	slog.Info("LLM client configured", "model", cfg.Model, "backend", service)

	return &Client{
		genai:   client,
		model:   cfg.Model,
		breaker: breakers.Get(service),
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Available reports whether the breaker currently admits calls.
func (c *Client) Available() bool { return c.breaker.State() != resilience.StateOpen }

// extractionPrompt asks for the criteria schema as strict JSON. The model
// also receives a response schema, so the prose here is belt and braces.
const extractionPrompt = `Extract every eligibility criterion from the attached clinical trial protocol.
For each criterion report: the verbatim text, inclusion/exclusion classification, category,
confidence in [0,1], the PDF page number, numeric thresholds, temporal constraints, listed
conditions, assertion status (PRESENT, ABSENT, HYPOTHETICAL, HISTORICAL, CONDITIONAL), and
the medical entities mentioned with a short context window around each.
Respond with a JSON array of criterion objects only.`

// Extract calls the model once through the service breaker. The call is
// not retried here: extraction produces new artifacts, so redelivery is
// the outbox layer's job.
func (c *Client) Extract(ctx context.Context, pdf []byte, title string) ([]RawCriterion, error) {
	return resilience.Execute(c.breaker, func() ([]RawCriterion, error) {
		contents := []*genai.Content{
			genai.NewContentFromParts([]*genai.Part{
				genai.NewPartFromText(fmt.Sprintf("Protocol title: %s\n\n%s", title, extractionPrompt)),
				genai.NewPartFromBytes(pdf, "application/pdf"),
			}, genai.RoleUser),
		}

		resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   criteriaSchema,
		})
		if err != nil {
			return nil, models.NewClassifiedError(models.CategoryLLMUnavailable,
				fmt.Errorf("generate content: %w", err))
		}

		text := resp.Text()
		if text == "" {
			return nil, models.NewClassifiedError(models.CategoryLLMSchemaViolation,
				fmt.Errorf("model returned no text"))
		}

		criteria, err := DecodeCriteria([]byte(text))
		if err != nil {
			return nil, err
		}
		return criteria, nil
	})
}

// DecodeCriteria parses and sanity-checks the model's JSON output.
// Violations classify as schema errors, which are not retryable without
// prompt feedback.
func DecodeCriteria(raw []byte) ([]RawCriterion, error) {
	var criteria []RawCriterion
	if err := json.Unmarshal(raw, &criteria); err != nil {
		return nil, models.NewClassifiedError(models.CategoryLLMSchemaViolation,
			fmt.Errorf("decode criteria: %w", err))
	}
	for i, c := range criteria {
		if strings.TrimSpace(c.Text) == "" {
			return nil, models.NewClassifiedError(models.CategoryLLMSchemaViolation,
				fmt.Errorf("criterion %d has empty text", i))
		}
		switch c.Classification {
		case "inclusion", "exclusion":
		default:
			return nil, models.NewClassifiedError(models.CategoryLLMSchemaViolation,
				fmt.Errorf("criterion %d has classification %q", i, c.Classification))
		}
	}
	return criteria, nil
}
