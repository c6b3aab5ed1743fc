package llmclient

import "google.golang.org/genai"

// criteriaSchema constrains the model's JSON output to the criterion
// shape DecodeCriteria expects.
var criteriaSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type:     genai.TypeObject,
		Required: []string{"text", "classification", "category", "confidence", "entities"},
		Properties: map[string]*genai.Schema{
			"text":           {Type: genai.TypeString},
			"classification": {Type: genai.TypeString, Enum: []string{"inclusion", "exclusion"}},
			"category":       {Type: genai.TypeString},
			"confidence":     {Type: genai.TypeNumber},
			"page_number":    {Type: genai.TypeInteger},
			"thresholds": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type:     genai.TypeObject,
					Required: []string{"comparator", "value"},
					Properties: map[string]*genai.Schema{
						"comparator": {Type: genai.TypeString, Enum: []string{"=", "<", "<=", ">", ">=", "range"}},
						"value":      {Type: genai.TypeNumber},
						"unit":       {Type: genai.TypeString},
						"upper":      {Type: genai.TypeNumber},
					},
				},
			},
			"temporal": {
				Type:     genai.TypeObject,
				Required: []string{"duration", "relation", "reference"},
				Properties: map[string]*genai.Schema{
					"duration":  {Type: genai.TypeString},
					"relation":  {Type: genai.TypeString, Enum: []string{"within", "before", "after", "at_least"}},
					"reference": {Type: genai.TypeString},
				},
			},
			"conditions": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
			"assertion": {
				Type: genai.TypeString,
				Enum: []string{"PRESENT", "ABSENT", "HYPOTHETICAL", "HISTORICAL", "CONDITIONAL"},
			},
			"entities": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type:     genai.TypeObject,
					Required: []string{"text"},
					Properties: map[string]*genai.Schema{
						"text":           {Type: genai.TypeString},
						"context_window": {Type: genai.TypeString},
						"confidence":     {Type: genai.TypeNumber},
					},
				},
			},
		},
	},
}
