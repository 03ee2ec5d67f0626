package match

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/posthog/capture-flags/pkg/types"
)

// TestHashStability pins computeHash against externally-precomputed SHA1
// digests so a future refactor can't silently change the bit-identical
// behavior §8 invariant 3 requires.
func TestHashStability(t *testing.T) {
	require.InDelta(t, 0.38757081034760665, computeHash("beta-feature.11"), 1e-12)
	require.InDelta(t, 0.16089093725845727, variantHash("beta-feature", "11"), 1e-12)
	require.InDelta(t, 0.6363703338989186, variantHash("beta-feature", "example_id"), 1e-12)
	require.InDelta(t, 0.9964296102915623, variantHash("beta-feature", "3"), 1e-12)
}

func TestHashDeterministic(t *testing.T) {
	a := computeHash("x.y")
	b := computeHash("x.y")
	require.Equal(t, a, b)
}

func TestRolloutHashEmptyIdentifier(t *testing.T) {
	require.Equal(t, 0.0, rolloutHash("key", ""))
}

func TestWalkVariantTableSelectsExpectedBuckets(t *testing.T) {
	table := []types.Variant{
		{Key: "first-variant", RolloutPercentage: 50},
		{Key: "second-variant", RolloutPercentage: 25},
		{Key: "third-variant", RolloutPercentage: 25},
	}
	cases := []struct {
		distinctID string
		want       string
	}{
		{"11", "first-variant"},
		{"example_id", "second-variant"},
		{"3", "third-variant"},
	}
	for _, c := range cases {
		h := variantHash("beta-feature", c.distinctID)
		got := walkVariantTable(table, h)
		require.Equal(t, c.want, got, "distinct_id=%s hash=%v", c.distinctID, h)
	}
}
