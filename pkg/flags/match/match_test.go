package match

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/posthog/capture-flags/pkg/types"
)

func betaFeatureFlag() *types.FeatureFlag {
	hundred := 100.0
	return &types.FeatureFlag{
		Key:    "beta-feature",
		Active: true,
		Filters: types.FeatureFlagFilters{
			Groups: []types.ConditionGroup{{RolloutPercentage: &hundred}},
			Multivariate: &types.Multivariate{Variants: []types.Variant{
				{Key: "first-variant", RolloutPercentage: 50},
				{Key: "second-variant", RolloutPercentage: 25},
				{Key: "third-variant", RolloutPercentage: 25},
			}},
		},
	}
}

// S4
func TestMatch_S4_NoConditionsMultivariate(t *testing.T) {
	flag := betaFeatureFlag()
	res := Match(flag, Input{DistinctID: "11"})
	require.True(t, res.Matches)
	require.Equal(t, "first-variant", res.Variant)
	require.Equal(t, types.ReasonConditionMatch, res.Reason)
	require.NotNil(t, res.ConditionIndex)
	require.Equal(t, 0, *res.ConditionIndex)
}

// S5
func TestMatch_S5_SuperCondition(t *testing.T) {
	flag := &types.FeatureFlag{
		Key:    "enrollment-flag",
		Active: true,
		Filters: types.FeatureFlagFilters{
			SuperGroups: []types.ConditionGroup{{Properties: []types.PropertyFilter{
				{Key: "$feature_enrollment/artificial-hog", Operator: types.OpExact, Value: "true", Type: types.PropertyTypePerson},
			}}},
			Groups: []types.ConditionGroup{{RolloutPercentage: floatp(0)}},
		},
	}
	matchTrue := Match(flag, Input{DistinctID: "u1", PersonProperties: map[string]any{
		"$feature_enrollment/artificial-hog": "true",
	}})
	require.True(t, matchTrue.Matches)
	require.Equal(t, types.ReasonSuperConditionValue, matchTrue.Reason)

	matchFalse := Match(flag, Input{DistinctID: "u1", PersonProperties: map[string]any{
		"$feature_enrollment/artificial-hog": "false",
	}})
	require.False(t, matchFalse.Matches)
	require.Equal(t, types.ReasonSuperConditionValue, matchFalse.Reason)
}

// S6
func TestMatch_S6_Holdout(t *testing.T) {
	flag := &types.FeatureFlag{
		Key:    "beta-feature",
		Active: true,
		Filters: types.FeatureFlagFilters{
			HoldoutGroups: []types.HoldoutGroup{{RolloutPercentage: 70}},
			Groups:        []types.ConditionGroup{{RolloutPercentage: floatp(100)}},
			Multivariate: &types.Multivariate{Variants: []types.Variant{
				{Key: "first-variant", RolloutPercentage: 50},
				{Key: "second-variant", RolloutPercentage: 25},
				{Key: "third-variant", RolloutPercentage: 25},
			}},
		},
	}
	// example_id2 hashes to 0.629 <= 0.70, inside the holdout bucket;
	// example_id hashes to 0.940, outside it, falling through to normal
	// multivariate selection.
	in := Match(flag, Input{DistinctID: "example_id2"})
	require.True(t, in.Matches)
	require.Equal(t, types.ReasonHoldoutConditionVal, in.Reason)
	require.Equal(t, "holdout", in.Variant)

	out := Match(flag, Input{DistinctID: "example_id"})
	require.NotEqual(t, types.ReasonHoldoutConditionVal, out.Reason)
	require.True(t, out.Matches)
}

func TestMatch_EmptyGroupIdentifier_NoGroupType(t *testing.T) {
	idx := 0
	flag := &types.FeatureFlag{
		Key:    "org-flag",
		Active: true,
		Filters: types.FeatureFlagFilters{
			AggregationGroupType: &idx,
			Groups:               []types.ConditionGroup{{RolloutPercentage: floatp(100)}},
		},
	}
	res := Match(flag, Input{DistinctID: "u1", GroupTypeIndex: map[int]string{0: "organization"}})
	require.False(t, res.Matches)
	require.Equal(t, types.ReasonNoGroupType, res.Reason)
}

func TestMatch_RolloutBoundaries(t *testing.T) {
	flag := betaFeatureFlag()
	flag.Filters.Groups[0].RolloutPercentage = floatp(0)
	res := Match(flag, Input{DistinctID: "11"})
	require.False(t, res.Matches)

	flag.Filters.Groups[0].RolloutPercentage = floatp(100)
	res = Match(flag, Input{DistinctID: "11"})
	require.True(t, res.Matches)
}

func TestMatch_Deterministic(t *testing.T) {
	flag := betaFeatureFlag()
	in := Input{DistinctID: "11"}
	first := Match(flag, in)
	second := Match(flag, in)
	require.Equal(t, first, second)
}

func TestMatch_ExperienceContinuityHashKeyOverride(t *testing.T) {
	flag := betaFeatureFlag()
	flag.EnsureExperienceContinuity = true
	withOverride := Match(flag, Input{DistinctID: "anon-1", HashKeyOverride: "11"})
	withoutOverride := Match(flag, Input{DistinctID: "11"})
	require.Equal(t, withoutOverride.Variant, withOverride.Variant)
}

func floatp(f float64) *float64 { return &f }
