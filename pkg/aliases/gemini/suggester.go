// Package gemini implements aliases.Suggester with the Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/shpitdev/labour-choropleth/pkg/aliases"
	"github.com/shpitdev/labour-choropleth/pkg/pipeline/core"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

type Suggester struct {
	client *genai.Client
	model  string
}

var _ aliases.Suggester = (*Suggester)(nil)

func New(ctx context.Context, cfg Config) (*Suggester, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		cc.HTTPOptions.BaseURL = u
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Suggester{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

type responseItem struct {
	DatasetName  string `json:"dataset_name"`
	GeometryName string `json:"geometry_name"`
	Confidence   string `json:"confidence"`
}

var outputSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"dataset_name":  {Type: genai.TypeString},
			"geometry_name": {Type: genai.TypeString},
			"confidence": {
				Type: genai.TypeString,
				Enum: []string{aliases.ConfidenceLow, aliases.ConfidenceMedium, aliases.ConfidenceHigh},
			},
		},
		Required: []string{"dataset_name", "geometry_name", "confidence"},
	},
}

// Suggest asks the model to pair each unmatched name with one candidate. The raw answer is
// returned unfiltered; callers pass it through aliases.Accept.
func (s *Suggester) Suggest(ctx context.Context, unmatched, candidates []string) ([]aliases.Suggestion, error) {
	if len(unmatched) == 0 {
		return nil, nil
	}
	if len(candidates) == 0 {
		return nil, errors.New("no geometry names to choose from")
	}

	resp, err := s.client.Models.GenerateContent(
		ctx,
		s.model,
		genai.Text(buildPrompt(unmatched, candidates)),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			Temperature:      genai.Ptr[float32](0),
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema,
		},
	)
	if err != nil {
		return nil, classifyErr(err)
	}
	return parseResponse(resp.Text())
}

func parseResponse(text string) ([]aliases.Suggestion, error) {
	var items []responseItem
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("gemini: parse structured json: %w", err)
	}
	out := make([]aliases.Suggestion, 0, len(items))
	for _, it := range items {
		ds, geo := strings.TrimSpace(it.DatasetName), strings.TrimSpace(it.GeometryName)
		if ds == "" || geo == "" {
			continue
		}
		out = append(out, aliases.Suggestion{
			DatasetName:  ds,
			GeometryName: geo,
			Confidence:   strings.ToLower(strings.TrimSpace(it.Confidence)),
		})
	}
	return out, nil
}

func buildPrompt(unmatched, candidates []string) string {
	var sb strings.Builder
	sb.WriteString(`You reconcile country names between a statistics dataset and a world map.

For each DATASET name below, pick the MAP name that refers to the same country or territory.
Return a JSON array of objects with keys:
- dataset_name (string; copied exactly from the DATASET list)
- geometry_name (string; copied exactly from the MAP list)
- confidence (string; one of: low, medium, high)

Rules:
- Only use names that appear in the lists.
- Omit a dataset name when no map name refers to the same place.
- Do not include extra keys.

DATASET:
`)
	for _, u := range unmatched {
		sb.WriteString("- " + u + "\n")
	}
	sb.WriteString("\nMAP:\n")
	for _, c := range candidates {
		sb.WriteString("- " + c + "\n")
	}
	return sb.String()
}

// quotaExtraRetries bounds retries once the API reports exhausted quota rather than a short-term rate limit.
const quotaExtraRetries = 1

// classifyErr marks rate limiting, server errors and network timeouts as transient so fetch.Retry retries them.
// A 429 caused by exhausted quota is retried at most quotaExtraRetries more times.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 && strings.Contains(strings.ToLower(apiErr.Message), "quota") {
			return &core.LimitedTransientError{Err: err, ExtraRetries: quotaExtraRetries}
		}
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &core.TransientError{Err: err}
	}
	return err
}
