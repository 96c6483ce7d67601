package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestFingerprintIgnoresFormatting(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Fingerprint("What is  2+2?", "4")
	require.NoError(t, err)
	b, err := h.Fingerprint("  what IS 2+2. ", " 4 ")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := h.Fingerprint("What is 2+3?", "4")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestFingerprintSeparatesParts(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Fingerprint("ab", "c")
	require.NoError(t, err)
	b, err := h.Fingerprint("a", "bc")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  Hello,   World! ": "hello world",
		"A\tB\nC":            "a b c",
		"":                   "",
		"x=y":                "x=y",
	}
	for in, want := range tests {
		require.Equal(t, want, Normalize(in), in)
	}
}
