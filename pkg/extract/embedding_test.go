package extract

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
)

func embeddingServiceWith(embed EmbedFunc) *EmbeddingService {
	cfg := core.EmbeddingConfig{MaxDimension: 8, Timeout: time.Second, CacheSize: 4}
	brCfg := core.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenMaxCalls: 3}
	return NewEmbeddingService(embed, cfg, brCfg, zerolog.Nop(), nil)
}

func TestGenerateReturnsVector(t *testing.T) {
	svc := embeddingServiceWith(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{0.1, 0.2, 0.3}, nil
	})

	vec, err := svc.Generate(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestGenerateCachesByContentHash(t *testing.T) {
	calls := 0
	svc := embeddingServiceWith(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return []float32{1, 2}, nil
	})

	ctx := context.Background()
	_, err := svc.Generate(ctx, "same text")
	require.NoError(t, err)
	_, err = svc.Generate(ctx, "same text")
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	stats := svc.CacheStats()
	require.Equal(t, uint64(1), stats["hits"])
	require.Equal(t, uint64(1), stats["misses"])
}

func TestGenerateCachedVectorIsACopy(t *testing.T) {
	svc := embeddingServiceWith(func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 2}, nil
	})

	ctx := context.Background()
	first, _ := svc.Generate(ctx, "t")
	first[0] = 99

	second, _ := svc.Generate(ctx, "t")
	require.Equal(t, float32(1), second[0])
}

func TestGenerateWrapsFailures(t *testing.T) {
	svc := embeddingServiceWith(func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("api down")
	})

	_, err := svc.Generate(context.Background(), "x")
	require.True(t, core.IsKind(err, core.KindEmbeddingFailed))
}

func TestGenerateValidation(t *testing.T) {
	tests := []struct {
		name string
		vec  []float32
	}{
		{"empty", []float32{}},
		{"too long", make([]float32, 9)},
		{"NaN", []float32{1, float32(math.NaN())}},
		{"Inf", []float32{float32(math.Inf(1))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := embeddingServiceWith(func(ctx context.Context, text string) ([]float32, error) {
				return tt.vec, nil
			})
			_, err := svc.Generate(context.Background(), "x")
			require.True(t, core.IsKind(err, core.KindEmbeddingFailed))
		})
	}
}

func TestGenerateEmptyTextIsValidation(t *testing.T) {
	svc := embeddingServiceWith(nil)
	_, err := svc.Generate(context.Background(), "")
	require.True(t, core.IsKind(err, core.KindValidation))
}

func TestGenerateCircuitOpenSurfacesVerbatim(t *testing.T) {
	svc := embeddingServiceWith(func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("down")
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.Generate(ctx, "x")
		require.Error(t, err)
	}

	_, err := svc.Generate(ctx, "y")
	require.True(t, core.IsKind(err, core.KindCircuitOpen))
	require.Equal(t, "open", svc.BreakerState())
}
