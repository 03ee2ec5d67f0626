// Package propfilter implements the scalar operator semantics of §4.7
// ("Operator semantics") shared by the flag matcher (C7) and the cohort
// resolver (C6). It deliberately knows nothing about cohorts or
// flag-to-flag dependencies — those operators are handled by the two
// callers, which have the context (a CohortChecker, a FlagEvaluator)
// this package does not.
package propfilter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/posthog/capture-flags/pkg/types"
)

// MatchScalar evaluates one non-cohort, non-flag_evaluates_to filter
// against a property map.
func MatchScalar(f types.PropertyFilter, properties map[string]any) (bool, error) {
	switch f.Operator {
	case types.OpIsSet:
		_, ok := properties[f.Key]
		return ok, nil
	case types.OpIsNotSet:
		_, ok := properties[f.Key]
		return !ok, nil
	}

	actual, present := properties[f.Key]

	switch f.Operator {
	case types.OpExact:
		if !present {
			return false, nil
		}
		return ValueMatchesAny(actual, f.Value), nil
	case types.OpIsNot:
		if !present {
			return true, nil
		}
		return !ValueMatchesAny(actual, f.Value), nil
	case types.OpIContains:
		if !present {
			return false, nil
		}
		return strings.Contains(strings.ToLower(Stringify(actual)), strings.ToLower(Stringify(f.Value))), nil
	case types.OpNotIContains:
		if !present {
			return true, nil
		}
		return !strings.Contains(strings.ToLower(Stringify(actual)), strings.ToLower(Stringify(f.Value))), nil
	case types.OpRegex:
		if !present {
			return false, nil
		}
		re, err := regexp.Compile(Stringify(f.Value))
		if err != nil {
			return false, nil // invalid pattern treats the filter as non-match
		}
		return re.MatchString(Stringify(actual)), nil
	case types.OpNotRegex:
		if !present {
			return true, nil
		}
		re, err := regexp.Compile(Stringify(f.Value))
		if err != nil {
			return true, nil
		}
		return !re.MatchString(Stringify(actual)), nil
	case types.OpGT, types.OpGTE, types.OpLT, types.OpLTE:
		if !present {
			return false, nil
		}
		a, aok := ToFloat(actual)
		b, bok := ToFloat(f.Value)
		if !aok || !bok {
			return false, nil
		}
		switch f.Operator {
		case types.OpGT:
			return a > b, nil
		case types.OpGTE:
			return a >= b, nil
		case types.OpLT:
			return a < b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, fmt.Errorf("unsupported scalar operator %q", f.Operator)
	}
}

func ValueMatchesAny(actual, want any) bool {
	if arr, ok := want.([]any); ok {
		as := Stringify(actual)
		for _, w := range arr {
			if Stringify(w) == as {
				return true
			}
		}
		return false
	}
	return Stringify(actual) == Stringify(want)
}

func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
