package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const geminiModel = "gemini-2.5-flash-lite"

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.075
	geminiOutputPricePerMillion = 0.30
)

const chartPrompt = `You are looking at a price chart of a traded market.

Decide whether the chart suggests buying, selling or staying out, judged only
from what is visible (trend, structure, recent candles).

Respond in JSON with:
- label: one of "BUY", "SELL", "NEUTRAL"
- confidence: a number between 0 and 1

Respond ONLY with the JSON object.`

// GeminiClassifier uses Google's Gemini API to classify chart images.
type GeminiClassifier struct {
	client *genai.Client
}

// NewGeminiClassifier creates a classifier authenticated with apiKey.
func NewGeminiClassifier(ctx context.Context, apiKey string) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClassifier{client: client}, nil
}

func classificationSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"label": {
				Type: genai.TypeString,
				Enum: Labels,
			},
			"confidence": {
				Type:        genai.TypeNumber,
				Description: "Confidence between 0 and 1",
			},
		},
		Required:         []string{"label", "confidence"},
		PropertyOrdering: []string{"label", "confidence"},
	}
}

// Classify sends the chart to Gemini with a structured output schema.
func (g *GeminiClassifier) Classify(ctx context.Context, imageData []byte, mimeType string) (*Classification, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("no image provided")
	}
	if mimeType == "" {
		mimeType = "image/png"
	}

	parts := []*genai.Part{
		genai.NewPartFromText(chartPrompt),
		{InlineData: &genai.Blob{Data: imageData, MIMEType: mimeType}},
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   classificationSchema(),
	}

	result, err := g.client.Models.GenerateContent(ctx, geminiModel, []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}, config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from Gemini")
	}

	c, err := parseClassification(result.Text())
	if err != nil {
		return nil, err
	}
	c.Source = "gemini"

	if result.UsageMetadata != nil {
		c.Usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		c.Usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		c.Usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		c.Usage.CostUSD = calculateGeminiCost(c.Usage.InputTokens, c.Usage.OutputTokens)
	}

	log.Info().
		Str("model", geminiModel).
		Str("label", c.Label).
		Float64("confidence", c.Confidence).
		Int64("inputTokens", c.Usage.InputTokens).
		Int64("outputTokens", c.Usage.OutputTokens).
		Float64("costUSD", c.Usage.CostUSD).
		Msg("vision llm call")

	return c, nil
}

func calculateGeminiCost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * geminiInputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * geminiOutputPricePerMillion
	return inputCost + outputCost
}

// extractJSONObject extracts a JSON object from text that may be wrapped in
// markdown code fences or other formatting.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	return text[start : end+1], nil
}

func parseClassification(text string) (*Classification, error) {
	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	var resp struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w (response: %s)", err, jsonStr)
	}

	label := strings.ToUpper(strings.TrimSpace(resp.Label))
	if !ValidLabel(label) {
		return nil, fmt.Errorf("unknown label %q", resp.Label)
	}
	return &Classification{Label: label, Confidence: min(max(resp.Confidence, 0), 1)}, nil
}
