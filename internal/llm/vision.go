// Package llm classifies chart images into trading signals.
package llm

import (
	"context"
	"slices"
)

// Signal labels a backend may return.
const (
	LabelBuy     = "BUY"
	LabelSell    = "SELL"
	LabelNeutral = "NEUTRAL"
)

// Labels lists every signal in a fixed order.
var Labels = []string{LabelBuy, LabelSell, LabelNeutral}

// ValidLabel reports whether label is one of Labels.
func ValidLabel(label string) bool {
	return slices.Contains(Labels, label)
}

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// Classification is the outcome of classifying one chart.
type Classification struct {
	Label      string
	Confidence float64 // in [0,1]
	Source     string  // "gemini", "random" or "cache"
	Usage      Usage
}

// Classifier turns chart image bytes into a signal.
type Classifier interface {
	Classify(ctx context.Context, imageData []byte, mimeType string) (*Classification, error)
}
