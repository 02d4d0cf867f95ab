package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := E(KindNotFound, "store.Retrieve", "node %d", 42)
	require.Contains(t, err.Error(), "store.Retrieve")
	require.Contains(t, err.Error(), "NOT_FOUND")
	require.Contains(t, err.Error(), "node 42")
}

func TestWrapPreservesCircuitOpen(t *testing.T) {
	open := E(KindCircuitOpen, "breaker.Call", "embedding breaker is open")

	wrapped := Wrap(KindEmbeddingFailed, "extract.Generate", open)
	require.True(t, IsKind(wrapped, KindCircuitOpen), "CIRCUIT_OPEN must never be re-kinded")
	require.False(t, IsKind(wrapped, KindEmbeddingFailed))
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(KindDatabase, "store.Add", nil))
}

func TestIsKindThroughWrapping(t *testing.T) {
	cause := E(KindQueryTimeout, "store.Search", "statement timeout")
	outer := fmt.Errorf("running search: %w", cause)

	require.True(t, IsKind(outer, KindQueryTimeout))
	require.False(t, IsKind(outer, KindDatabase))
	require.True(t, errors.Is(outer, &Error{Kind: KindQueryTimeout}))
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindValidation, KindOf(E(KindValidation, "x", "y")))
	require.Equal(t, KindDatabase, KindOf(errors.New("raw driver error")))
}

func TestKindStrings(t *testing.T) {
	for kind, want := range map[Kind]string{
		KindValidation:        "VALIDATION",
		KindCircuitOpen:       "CIRCUIT_OPEN",
		KindQueryTimeout:      "QUERY_TIMEOUT",
		KindResourceExhausted: "RESOURCE_EXHAUSTED",
	} {
		require.Equal(t, want, kind.String())
	}
}
