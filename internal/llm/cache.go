package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog/log"
)

// CacheStore persists classifications keyed by image hash.
// Get returns nil, nil on a miss.
type CacheStore interface {
	GetClassification(hash string) (*Classification, error)
	SetClassification(hash string, c *Classification) error
}

// CachedClassifier wraps a Classifier so identical images are classified once.
type CachedClassifier struct {
	inner Classifier
	store CacheStore
}

// NewCachedClassifier creates a cached classifier.
func NewCachedClassifier(inner Classifier, store CacheStore) *CachedClassifier {
	return &CachedClassifier{inner: inner, store: store}
}

// HashImage returns the hex SHA256 of the image bytes.
func HashImage(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *CachedClassifier) Classify(ctx context.Context, imageData []byte, mimeType string) (*Classification, error) {
	hash := HashImage(imageData)

	if c.store != nil {
		cached, err := c.store.GetClassification(hash)
		if err != nil {
			log.Warn().Err(err).Msg("failed to check classification cache")
		} else if cached != nil {
			log.Debug().Str("hash", hash[:16]).Msg("classification cache hit")
			return &Classification{Label: cached.Label, Confidence: cached.Confidence, Source: "cache"}, nil
		}
	}

	result, err := c.inner.Classify(ctx, imageData, mimeType)
	if err != nil {
		return nil, err
	}

	// Random guesses are not worth remembering
	if c.store != nil && result.Source != "random" {
		if err := c.store.SetClassification(hash, result); err != nil {
			log.Warn().Err(err).Msg("failed to cache classification")
		} else {
			log.Debug().Str("hash", hash[:16]).Msg("cached classification")
		}
	}

	return result, nil
}
