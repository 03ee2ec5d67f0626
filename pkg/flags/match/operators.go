package match

import (
	"fmt"

	"github.com/posthog/capture-flags/pkg/propfilter"
	"github.com/posthog/capture-flags/pkg/types"
)

// CohortChecker resolves whether a person (by property set) is a member
// of a cohort, used for the `in`/`not_in` operator on type=cohort
// filters. The flag matcher is pure given a CohortChecker; the cohort
// resolution itself (C6) may recurse into static-cohort membership or
// dynamic predicate evaluation.
type CohortChecker func(cohortID any, properties map[string]any) (bool, error)

// FlagEvaluator resolves the already-computed value of another flag, for
// the `flag_evaluates_to` operator (a flag-to-flag dependency).
type FlagEvaluator func(flagID any) (matched bool, variant string, ok bool)

// matchProperty reports whether a single PropertyFilter is satisfied,
// dispatching cohort and flag_evaluates_to filters to the injected
// CohortChecker/FlagEvaluator and everything else to propfilter.
func matchProperty(f types.PropertyFilter, properties map[string]any, cohorts CohortChecker, flags FlagEvaluator) (bool, error) {
	if f.Type == types.PropertyTypeCohort {
		if cohorts == nil {
			return false, fmt.Errorf("no cohort checker configured")
		}
		member, err := cohorts(f.Value, properties)
		if err != nil {
			return false, err
		}
		if f.Operator == types.OpNotIn {
			return !member, nil
		}
		return member, nil
	}

	if f.Operator == types.OpFlagEvaluatesTo {
		if flags == nil {
			return false, fmt.Errorf("no flag evaluator configured")
		}
		// f.Key names the dependency flag; f.Value is the expected
		// evaluated result (boolean or variant string) to compare
		// against.
		matched, variant, ok := flags(f.Key)
		if !ok {
			return false, fmt.Errorf("dependency flag %v not resolved", f.Key)
		}
		var actual any = matched
		if variant != "" {
			actual = variant
		}
		return propfilter.Stringify(actual) == propfilter.Stringify(f.Value), nil
	}

	return propfilter.MatchScalar(f, properties)
}

// allPropertiesMatch implements the §4.7.5.b "all must be satisfied"
// semantics for a list of filters (a condition group's, a cohort's, or a
// super group's).
func allPropertiesMatch(filters []types.PropertyFilter, properties map[string]any, cohorts CohortChecker, flags FlagEvaluator) (bool, error) {
	for _, f := range filters {
		ok, err := matchProperty(f, properties, cohorts, flags)
		if err != nil {
			return false, err
		}
		if f.Negation {
			ok = !ok
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
