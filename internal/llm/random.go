package llm

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	minRandomConfidence = 0.5
	maxRandomConfidence = 0.95
)

// RandomClassifier picks a label uniformly with a confidence in [0.5, 0.95).
// It is what the backend falls back to when no model is available.
type RandomClassifier struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomClassifier creates a classifier. A zero seed uses a random one.
func NewRandomClassifier(seed uint64) *RandomClassifier {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &RandomClassifier{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *RandomClassifier) Classify(ctx context.Context, imageData []byte, mimeType string) (*Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Classification{
		Label:      Labels[r.rng.IntN(len(Labels))],
		Confidence: minRandomConfidence + r.rng.Float64()*(maxRandomConfidence-minRandomConfidence),
		Source:     "random",
	}, nil
}

// FallbackClassifier tries Primary and uses Fallback when it fails.
type FallbackClassifier struct {
	Primary  Classifier
	Fallback Classifier
}

func (f *FallbackClassifier) Classify(ctx context.Context, imageData []byte, mimeType string) (*Classification, error) {
	c, err := f.Primary.Classify(ctx, imageData, mimeType)
	if err == nil {
		return c, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	log.Warn().Err(err).Msg("classifier failed, using fallback")
	return f.Fallback.Classify(ctx, imageData, mimeType)
}
