package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKnownVectors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":            "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"hello world": "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
	}
	h := New()
	for input, want := range tests {
		got, err := h.Hash([]byte(input))
		require.NoError(t, err)
		require.Equal(t, want, got)

		streamed, err := h.HashReader(strings.NewReader(input))
		require.NoError(t, err)
		require.Equal(t, want, streamed)
	}
}
