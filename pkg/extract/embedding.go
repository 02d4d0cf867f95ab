package extract

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/telemetry"
)

// EmbeddingService turns text into vectors via the configured callable,
// under circuit-breaker protection, with an LRU keyed by content hash.
//
// Dimension padding is not done here: the store pads for indexing and keeps
// the original length.
type EmbeddingService struct {
	embed   EmbedFunc
	breaker *Breaker
	cache   *embedCache
	maxDim  int
	timeout time.Duration
	log     zerolog.Logger
	tel     *telemetry.Telemetry
}

// NewEmbeddingService wires the callable with a breaker and cache.
func NewEmbeddingService(embed EmbedFunc, cfg core.EmbeddingConfig, brCfg core.BreakerConfig, log zerolog.Logger, tel *telemetry.Telemetry) *EmbeddingService {
	return &EmbeddingService{
		embed:   embed,
		breaker: NewBreaker("embedding", brCfg, log, tel),
		cache:   newEmbedCache(cfg.CacheSize),
		maxDim:  cfg.MaxDimension,
		timeout: cfg.Timeout,
		log:     log.With().Str("component", "embedding").Logger(),
		tel:     tel,
	}
}

// Generate returns the embedding for text. CIRCUIT_OPEN surfaces verbatim;
// any other failure becomes EMBEDDING_FAILED.
func (s *EmbeddingService) Generate(ctx context.Context, text string) ([]float32, error) {
	const op = "extract.EmbeddingService.Generate"

	if text == "" {
		return nil, core.E(core.KindValidation, op, "text must not be empty")
	}

	key := core.HashContent(text)
	if vec, ok := s.cache.get(key); ok {
		s.tel.CacheHit("embedding")
		return vec, nil
	}
	s.tel.CacheMiss("embedding")

	vec, err := Do(s.breaker, func() ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.embed(callCtx, text)
	})
	if err != nil {
		return nil, core.Wrap(core.KindEmbeddingFailed, op, err)
	}

	if err := s.validate(op, vec); err != nil {
		return nil, err
	}

	s.cache.put(key, vec)

	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// validate rejects empty vectors, vectors beyond the index bound, and
// non-finite values.
func (s *EmbeddingService) validate(op string, vec []float32) error {
	if len(vec) == 0 {
		return core.E(core.KindEmbeddingFailed, op, "provider returned an empty embedding")
	}
	if len(vec) > s.maxDim {
		return core.E(core.KindEmbeddingFailed, op,
			"provider returned %d dimensions, limit is %d", len(vec), s.maxDim)
	}
	for i, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return core.E(core.KindEmbeddingFailed, op, "non-finite value at index %d", i)
		}
	}
	return nil
}

// BreakerState exposes the breaker state for stats surfaces.
func (s *EmbeddingService) BreakerState() string { return s.breaker.State() }

// CacheStats reports LRU hit/miss counts and current size.
func (s *EmbeddingService) CacheStats() map[string]any {
	hits, misses, size := s.cache.stats()
	return map[string]any{"hits": hits, "misses": misses, "size": size}
}
