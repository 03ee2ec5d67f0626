// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package match implements C7, the per-flag evaluation contract:
// conditions, super groups, holdouts, multivariate selection and
// experience continuity. Evaluation is synchronous and pure given the
// Input it is handed — every property or cohort lookup it needs must
// already be resolved by the caller (C5/C6/C8).
package match

import (
	"strconv"

	"github.com/posthog/capture-flags/pkg/types"
)

// Input bundles everything match needs that isn't on the flag itself.
type Input struct {
	DistinctID       string
	GroupKeys        map[string]any            // group-type name -> key
	PersonProperties map[string]any
	GroupProperties  map[string]map[string]any // group-type name -> properties
	HashKeyOverride  string                    // experience-continuity override for this flag, "" if none
	GroupTypeIndex   map[int]string            // team's group-type index -> name mapping
	Cohorts          CohortChecker
	FlagDeps         FlagEvaluator
}

// Match evaluates one flag against the given input per §4.7.
func Match(flag *types.FeatureFlag, in Input) types.FeatureFlagMatch {
	identifier := hashedIdentifier(flag, in)
	if identifier == "" {
		return types.FeatureFlagMatch{Matches: false, Reason: types.ReasonNoGroupType}
	}

	properties := in.PersonProperties
	if flag.AggregatesByGroup() {
		name := in.GroupTypeIndex[*flag.Filters.AggregationGroupType]
		properties = in.GroupProperties[name]
	}
	if properties == nil {
		properties = map[string]any{}
	}

	// Step 3: super condition.
	if len(flag.Filters.SuperGroups) > 0 {
		group := flag.Filters.SuperGroups[0]
		if hasAnyReferencedProperty(group.Properties, properties) {
			ok, err := allPropertiesMatch(group.Properties, properties, in.Cohorts, in.FlagDeps)
			if err != nil {
				return types.FeatureFlagMatch{Reason: types.ReasonError, Error: err}
			}
			idx := 0
			result := types.FeatureFlagMatch{Reason: types.ReasonSuperConditionValue, ConditionIndex: &idx}
			if ok {
				result.Matches = true
				result.Variant, result.Payload = pickVariant(flag, group, identifier)
			}
			return result
		}
	}

	// Step 4: holdout.
	if len(flag.Filters.HoldoutGroups) > 0 {
		h := flag.Filters.HoldoutGroups[0]
		if len(h.Properties) == 0 {
			hv := holdoutHash(identifier)
			if hv <= h.RolloutPercentage/100 {
				variant, payload := holdoutVariant(flag)
				return types.FeatureFlagMatch{
					Matches: true,
					Variant: variant,
					Payload: payload,
					Reason:  types.ReasonHoldoutConditionVal,
				}
			}
		}
	}

	// Step 5: normal conditions, in declared order.
	highest := types.ReasonNoGroupType
	var lastIdx int
	for i, group := range flag.Filters.Groups {
		lastIdx = i
		matchesProps, err := evalConditionGroup(group, properties, in.Cohorts, in.FlagDeps)
		if err != nil {
			return types.FeatureFlagMatch{Reason: types.ReasonError, Error: err}
		}
		if !matchesProps {
			if types.HigherPriority(types.ReasonNoConditionMatch, highest) {
				highest = types.ReasonNoConditionMatch
			}
			continue
		}

		pct := 100.0
		if group.RolloutPercentage != nil {
			pct = *group.RolloutPercentage
		}
		rolled := pct == 100 || rolloutHash(flag.Key, identifier) <= pct/100
		if !rolled {
			if types.HigherPriority(types.ReasonOutOfRolloutBound, highest) {
				highest = types.ReasonOutOfRolloutBound
			}
			continue
		}

		idx := i
		variant, payload := pickVariant(flag, group, identifier)
		return types.FeatureFlagMatch{
			Matches:        true,
			Variant:        variant,
			Payload:        payload,
			Reason:         types.ReasonConditionMatch,
			ConditionIndex: &idx,
		}
	}

	idx := lastIdx
	return types.FeatureFlagMatch{Matches: false, Reason: highest, ConditionIndex: &idx}
}

func hashedIdentifier(flag *types.FeatureFlag, in Input) string {
	if flag.AggregatesByGroup() {
		name := in.GroupTypeIndex[*flag.Filters.AggregationGroupType]
		key, ok := in.GroupKeys[name]
		if !ok {
			return ""
		}
		return groupKeyToString(key)
	}
	if in.HashKeyOverride != "" {
		return in.HashKeyOverride
	}
	return in.DistinctID
}

// groupKeyToString coerces a group key per §4.7 step 1: numbers and
// floats are stringified, booleans and other non-string/non-number
// values produce empty string (which forces the flag to false).
func groupKeyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func hasAnyReferencedProperty(filters []types.PropertyFilter, properties map[string]any) bool {
	for _, f := range filters {
		if _, ok := properties[f.Key]; ok {
			return true
		}
	}
	return false
}

func evalConditionGroup(group types.ConditionGroup, properties map[string]any, cohorts CohortChecker, flags FlagEvaluator) (bool, error) {
	var cohortFilters, otherFilters []types.PropertyFilter
	for _, f := range group.Properties {
		if f.Type == types.PropertyTypeCohort {
			cohortFilters = append(cohortFilters, f)
		} else {
			otherFilters = append(otherFilters, f)
		}
	}
	if ok, err := allPropertiesMatch(otherFilters, properties, cohorts, flags); err != nil || !ok {
		return false, err
	}
	if ok, err := allPropertiesMatch(cohortFilters, properties, cohorts, flags); err != nil || !ok {
		return false, err
	}
	return true, nil
}

// pickVariant implements §4.7 step 5.e: a group-level override wins if
// it names a real variant; otherwise a multivariate hash walk; otherwise
// no variant. The payload is looked up for the chosen variant, or "true"
// for a boolean flag.
func pickVariant(flag *types.FeatureFlag, group types.ConditionGroup, identifier string) (string, []byte) {
	variant := ""
	if group.Variant != "" && variantExists(flag, group.Variant) {
		variant = group.Variant
	} else if flag.Filters.Multivariate != nil {
		variant = walkVariantTable(flag.Filters.Multivariate.Variants, variantHash(flag.Key, identifier))
	}
	return variant, payloadFor(flag, variant)
}

func holdoutVariant(flag *types.FeatureFlag) (string, []byte) {
	const name = "holdout"
	return name, payloadFor(flag, name)
}

func variantExists(flag *types.FeatureFlag, key string) bool {
	if flag.Filters.Multivariate == nil {
		return false
	}
	for _, v := range flag.Filters.Multivariate.Variants {
		if v.Key == key {
			return true
		}
	}
	return false
}

// walkVariantTable walks the cumulative rollout table in declared order
// and returns the variant whose cumulative range contains h.
func walkVariantTable(variants []types.Variant, h float64) string {
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.RolloutPercentage / 100
		if h < cumulative {
			return v.Key
		}
	}
	return ""
}

func payloadFor(flag *types.FeatureFlag, variant string) []byte {
	if flag.Filters.Payloads == nil {
		return nil
	}
	key := variant
	if key == "" {
		key = "true"
	}
	if p, ok := flag.Filters.Payloads[key]; ok {
		return p
	}
	return nil
}
