package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashContentDeterministic(t *testing.T) {
	a := HashContent("hello world")
	b := HashContent("hello world")
	c := HashContent("hello world!")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 64) // sha256 hex
}

func TestApproxTokens(t *testing.T) {
	require.Equal(t, 0, ApproxTokens(""))
	require.Equal(t, 2, ApproxTokens("hello world"))
	// Long unbroken text falls back to the rune/4 estimate.
	long := strings.Repeat("x", 400)
	require.Equal(t, 100, ApproxTokens(long))
}

func TestValidateContent(t *testing.T) {
	require.NoError(t, ValidateContent("fine", 0))
	require.NoError(t, ValidateContent("fine", 16))

	err := ValidateContent("   ", 0)
	require.Error(t, err)
	require.True(t, IsKind(err, KindValidation))

	err = ValidateContent(strings.Repeat("a", 20), 10)
	require.Error(t, err)
	require.True(t, IsKind(err, KindValidation))

	err = ValidateContent(string([]byte{0xff, 0xfe}), 0)
	require.Error(t, err)
}
