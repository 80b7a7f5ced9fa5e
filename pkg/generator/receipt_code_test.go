package generator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateIsUniqueAndOrdered(t *testing.T) {
	g := NewGenerator()
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 500; i++ {
		code := g.Generate()
		require.True(t, strings.HasPrefix(code, "RF"))
		require.Len(t, code, 28)
		require.False(t, seen[code], "duplicate %s", code)
		require.Greater(t, code, prev)
		seen[code] = true
		prev = code
	}
}

func TestGenerateUniqueRetries(t *testing.T) {
	g := NewGenerator()
	calls := 0
	code, err := g.GenerateUnique(func(string) bool {
		calls++
		return calls < 3
	})
	require.NoError(t, err)
	require.NotEmpty(t, code)
	require.Equal(t, 3, calls)

	_, err = g.GenerateUnique(func(string) bool { return true })
	require.Error(t, err)
}

func TestTimestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g := NewGenerator()
	g.now = func() time.Time { return fixed }

	ts, err := Timestamp(g.Generate())
	require.NoError(t, err)
	require.True(t, ts.Equal(fixed))

	_, err = Timestamp("RF")
	require.Error(t, err)
	_, err = Timestamp("RFnot-a-ulid")
	require.Error(t, err)
}
