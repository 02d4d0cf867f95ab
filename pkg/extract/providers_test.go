package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
)

func TestRegistryResolvesFactories(t *testing.T) {
	r := NewRegistry()
	r.Register("ollama", func(model string) (Callables, error) {
		return Callables{CountTokens: core.ApproxTokens}, nil
	})

	c, err := r.New("ollama", "nomic-embed-text")
	require.NoError(t, err)
	require.NotNil(t, c.CountTokens)

	_, err = r.New("openai", "any")
	require.True(t, core.IsKind(err, core.KindValidation))

	require.Equal(t, []string{"ollama"}, r.Providers())
}

func TestEmbedCacheLRUEviction(t *testing.T) {
	c := newEmbedCache(2)
	c.put("a", []float32{1})
	c.put("b", []float32{2})

	// Touch "a" so "b" becomes the eviction victim.
	_, ok := c.get("a")
	require.True(t, ok)

	c.put("c", []float32{3})

	_, ok = c.get("b")
	require.False(t, ok)
	_, ok = c.get("a")
	require.True(t, ok)
	_, ok = c.get("c")
	require.True(t, ok)

	hits, misses, size := c.stats()
	require.Equal(t, uint64(3), hits)
	require.Equal(t, uint64(1), misses)
	require.Equal(t, 2, size)
}
