package embed_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmmem/swarmmem/pkg/pattern/embed"
)

func TestEmbedIsDeterministic(t *testing.T) {
	e := embed.NewHashEmbedder(256)
	ctx := context.Background()

	a, err := e.Embed(ctx, "retry failed requests with backoff")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "retry failed requests with backoff")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEmbedIsUnitLength(t *testing.T) {
	e := embed.NewHashEmbedder(128)

	vec, err := e.Embed(context.Background(), "normalize vectors before comparing")
	require.NoError(t, err)
	require.Len(t, vec, 128)

	assert.InDelta(t, 1.0, float64(embed.Dot(vec, vec)), 1e-5)
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	e := embed.NewHashEmbedder(64)

	vec, err := e.Embed(context.Background(), "   ...   ")
	require.NoError(t, err)

	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestEmbedCaseAndPunctuationInsensitive(t *testing.T) {
	e := embed.NewHashEmbedder(256)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Cache Hot Queries!")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "cache hot queries")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestSimilarTextScoresHigherThanUnrelated(t *testing.T) {
	e := embed.NewHashEmbedder(256)
	ctx := context.Background()

	base, err := e.Embed(ctx, "deploy services with retries enabled")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "deploy services with retries disabled")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "compress archived logs nightly")
	require.NoError(t, err)

	nearSim := embed.Dot(base, near)
	farSim := embed.Dot(base, far)
	assert.Greater(t, nearSim, farSim)
	assert.Greater(t, float64(nearSim), 0.5)
}

func TestDimensionFallback(t *testing.T) {
	assert.Equal(t, 256, embed.NewHashEmbedder(0).Dimension())
	assert.Equal(t, 512, embed.NewHashEmbedder(512).Dimension())
}

func TestDotMismatchedLengthsScoreZero(t *testing.T) {
	ctx := context.Background()
	old, err := embed.NewHashEmbedder(128).Embed(ctx, "deploy services with retries enabled")
	require.NoError(t, err)
	cur, err := embed.NewHashEmbedder(256).Embed(ctx, "deploy services with retries enabled")
	require.NoError(t, err)

	// A vector persisted under an older dimension never matches, and
	// never faults
	assert.Zero(t, embed.Dot(old, cur))
	assert.Zero(t, embed.Dot(cur, old))
}
