package evaluator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/posthog/capture-flags/pkg/teamstore"
	"github.com/posthog/capture-flags/pkg/types"
)

type fakeBackend struct {
	calls  int
	result *teamstore.PropertyResult
}

func (f *fakeBackend) FetchProperties(_ context.Context, _ teamstore.PropertyRequest) (*teamstore.PropertyResult, error) {
	f.calls++
	return f.result, nil
}

type noCohorts struct{}

func (noCohorts) Get(int64) (bool, json.RawMessage, bool) { return false, nil, false }

func hundred() *float64 { v := 100.0; return &v }
func zero() *float64    { v := 0.0; return &v }

func TestEvaluateAll_FastPathNoDBCall(t *testing.T) {
	flag := &types.FeatureFlag{
		Key:    "simple",
		Active: true,
		Filters: types.FeatureFlagFilters{
			Groups: []types.ConditionGroup{{
				RolloutPercentage: hundred(),
				Properties:        []types.PropertyFilter{{Key: "plan", Operator: types.OpExact, Value: "pro", Type: types.PropertyTypePerson}},
			}},
		},
	}
	backend := &fakeBackend{}
	req := Request{
		TeamID:     1,
		DistinctID: "u1",
		Flags:      []*types.FeatureFlag{flag},
		Overrides:  PropertyOverrides{Person: map[string]any{"plan": "pro"}},
	}
	res, err := EvaluateAll(context.Background(), req, backend, noCohorts{}, nil)
	require.NoError(t, err)
	require.False(t, res.ErrorsWhileComputing)
	require.True(t, res.Flags["simple"].Matches)
	require.Equal(t, 0, backend.calls, "an override-satisfiable flag must never touch the durable store")
}

func TestEvaluateAll_NeedsDBFallsBackToFetch(t *testing.T) {
	flag := &types.FeatureFlag{
		Key:    "needs-db",
		Active: true,
		Filters: types.FeatureFlagFilters{
			Groups: []types.ConditionGroup{{
				RolloutPercentage: hundred(),
				Properties:        []types.PropertyFilter{{Key: "plan", Operator: types.OpExact, Value: "pro", Type: types.PropertyTypePerson}},
			}},
		},
	}
	backend := &fakeBackend{result: &teamstore.PropertyResult{PersonProperties: map[string]any{"plan": "pro"}}}
	req := Request{TeamID: 1, DistinctID: "u1", Flags: []*types.FeatureFlag{flag}}
	res, err := EvaluateAll(context.Background(), req, backend, noCohorts{}, nil)
	require.NoError(t, err)
	require.True(t, res.Flags["needs-db"].Matches)
	require.Equal(t, 1, backend.calls)
}

func TestEvaluateAll_InactiveFlagDisabled(t *testing.T) {
	flag := &types.FeatureFlag{Key: "off", Active: false}
	backend := &fakeBackend{}
	req := Request{TeamID: 1, DistinctID: "u1", Flags: []*types.FeatureFlag{flag}}
	res, err := EvaluateAll(context.Background(), req, backend, noCohorts{}, nil)
	require.NoError(t, err)
	require.False(t, res.Flags["off"].Matches)
	require.Equal(t, types.ReasonDisabled, res.Flags["off"].Reason)
}

func TestEvaluateAll_FlagToFlagDependency(t *testing.T) {
	base := &types.FeatureFlag{
		Key:    "base",
		Active: true,
		Filters: types.FeatureFlagFilters{Groups: []types.ConditionGroup{{RolloutPercentage: hundred()}}},
	}
	dependent := &types.FeatureFlag{
		Key:    "dependent",
		Active: true,
		Filters: types.FeatureFlagFilters{Groups: []types.ConditionGroup{{
			RolloutPercentage: hundred(),
			Properties: []types.PropertyFilter{{
				Key: "base", Operator: types.OpFlagEvaluatesTo, Value: true, Type: types.PropertyTypeFlag,
			}},
		}}},
	}
	backend := &fakeBackend{}
	req := Request{TeamID: 1, DistinctID: "u1", Flags: []*types.FeatureFlag{dependent, base}}
	res, err := EvaluateAll(context.Background(), req, backend, noCohorts{}, nil)
	require.NoError(t, err)
	require.True(t, res.Flags["base"].Matches)
	require.True(t, res.Flags["dependent"].Matches)
}

func TestEvaluateAll_CyclicDependencyErrored(t *testing.T) {
	a := &types.FeatureFlag{
		Key: "a", Active: true,
		Filters: types.FeatureFlagFilters{Groups: []types.ConditionGroup{{
			RolloutPercentage: hundred(),
			Properties:        []types.PropertyFilter{{Key: "b", Operator: types.OpFlagEvaluatesTo, Value: true, Type: types.PropertyTypeFlag}},
		}}},
	}
	b := &types.FeatureFlag{
		Key: "b", Active: true,
		Filters: types.FeatureFlagFilters{Groups: []types.ConditionGroup{{
			RolloutPercentage: hundred(),
			Properties:        []types.PropertyFilter{{Key: "a", Operator: types.OpFlagEvaluatesTo, Value: true, Type: types.PropertyTypeFlag}},
		}}},
	}
	independent := &types.FeatureFlag{
		Key: "independent", Active: true,
		Filters: types.FeatureFlagFilters{Groups: []types.ConditionGroup{{RolloutPercentage: hundred()}}},
	}
	backend := &fakeBackend{}
	req := Request{TeamID: 1, DistinctID: "u1", Flags: []*types.FeatureFlag{a, b, independent}}
	res, err := EvaluateAll(context.Background(), req, backend, noCohorts{}, nil)
	require.NoError(t, err)
	require.True(t, res.ErrorsWhileComputing)
	require.Equal(t, types.ReasonError, res.Flags["a"].Reason)
	require.Equal(t, types.ReasonError, res.Flags["b"].Reason)
	require.True(t, res.Flags["independent"].Matches, "a cycle must not block independent flags")
}

func TestEvaluateAll_RolloutZeroDoesNotMatch(t *testing.T) {
	flag := &types.FeatureFlag{
		Key: "rollout-zero", Active: true,
		Filters: types.FeatureFlagFilters{Groups: []types.ConditionGroup{{RolloutPercentage: zero()}}},
	}
	backend := &fakeBackend{}
	req := Request{TeamID: 1, DistinctID: "u1", Flags: []*types.FeatureFlag{flag}}
	res, err := EvaluateAll(context.Background(), req, backend, noCohorts{}, nil)
	require.NoError(t, err)
	require.False(t, res.Flags["rollout-zero"].Matches)
}

func TestEvaluateAll_GroupAggregatedFlagFetchesGroupProperties(t *testing.T) {
	groupType := 0
	flag := &types.FeatureFlag{
		Key:    "group-flag",
		Active: true,
		Filters: types.FeatureFlagFilters{
			AggregationGroupType: &groupType,
			Groups: []types.ConditionGroup{{
				RolloutPercentage: hundred(),
				Properties: []types.PropertyFilter{{
					Key: "plan", Operator: types.OpExact, Value: "enterprise",
					Type: types.PropertyTypeGroup, GroupTypeIndex: &groupType,
				}},
			}},
		},
	}
	backend := &fakeBackend{result: &teamstore.PropertyResult{
		GroupProperties: map[teamstore.GroupKey]map[string]any{
			{TypeIndex: 0, Key: "acme"}: {"plan": "enterprise"},
		},
	}}
	req := Request{
		TeamID:         1,
		DistinctID:     "u1",
		Flags:          []*types.FeatureFlag{flag},
		GroupKeys:      map[string]any{"company": "acme"},
		GroupTypeIndex: map[int]string{0: "company"},
	}
	res, err := EvaluateAll(context.Background(), req, backend, noCohorts{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, backend.calls)
	require.True(t, res.Flags["group-flag"].Matches, "group property fetched via the union requirement must reach match.Match")
}
