// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package evaluator implements C8, the driver that turns a team's flag
// set plus one request's overrides into a flag_details_map: the
// property-override fast path, the union property fetch for everything
// that needs the durable store, flag-to-flag dependency resolution, and
// parallel evaluation of independent flags.
package evaluator

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/posthog/capture-flags/pkg/cohort"
	"github.com/posthog/capture-flags/pkg/flags/match"
	"github.com/posthog/capture-flags/pkg/flags/propfetch"
	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/teamstore"
	"github.com/posthog/capture-flags/pkg/types"
)

// PropertyOverrides is the request-supplied property set that lets a
// flag be answered without touching the durable store.
type PropertyOverrides struct {
	Person map[string]any
	Group  map[string]map[string]any // group-type name -> properties
}

// HashKeyStore is C11's contract, as consumed by the driver.
type HashKeyStore interface {
	Upsert(ctx context.Context, teamID, personID int64, flagKeys []string, hashKey string) error
	Lookup(ctx context.Context, teamID int64, distinctIDs []string) (map[string]string, error)
}

// Request bundles one evaluation's inputs.
type Request struct {
	TeamID     int64
	PersonID   int64
	DistinctID string
	Flags      []*types.FeatureFlag

	GroupKeys      map[string]any // group-type name -> key
	GroupTypeIndex map[int]string

	Overrides PropertyOverrides

	// DistinctIDsForHashLookup is the priority-ordered list of distinct
	// ids to consult for an existing hash_key override (highest
	// priority first); typically [current_distinct_id, anon_distinct_id].
	DistinctIDsForHashLookup []string
	// NewHashKeyOverride, if non-empty and different from DistinctID, is
	// persisted (best-effort) for every experience-continuity flag that
	// doesn't already have one; nothing is persisted while PersonID is 0.
	NewHashKeyOverride string
}

// Result is evaluate_all's return value.
type Result struct {
	ErrorsWhileComputing bool
	Flags                map[string]types.FeatureFlagMatch
}

// Backend is the durable-store dependency for C5.
type Backend interface {
	FetchProperties(ctx context.Context, req teamstore.PropertyRequest) (*teamstore.PropertyResult, error)
}

// EvaluateAll implements evaluate_all(flags, person_overrides?,
// group_overrides?, hash_key_override?) → {errors_while_computing,
// flag_details_map}.
func EvaluateAll(ctx context.Context, req Request, backend Backend, cohortStore cohort.Store, hashKeys HashKeyStore) (*Result, error) {
	res := &Result{Flags: make(map[string]types.FeatureFlagMatch, len(req.Flags))}

	byKey := make(map[string]*types.FeatureFlag, len(req.Flags))
	active := make([]*types.FeatureFlag, 0, len(req.Flags))
	for _, f := range req.Flags {
		if f.Deleted {
			continue
		}
		byKey[f.Key] = f
		if !f.Active {
			res.Flags[f.Key] = types.FeatureFlagMatch{Matches: false, Reason: types.ReasonDisabled}
			continue
		}
		active = append(active, f)
	}

	hashKeyOverrides, hashErr := resolveHashKeys(ctx, req, active, hashKeys)
	if hashErr != nil {
		res.ErrorsWhileComputing = true
	}

	levels, erroredByCycle := topoLevels(active)
	for key, err := range erroredByCycle {
		res.Flags[key] = types.FeatureFlagMatch{Reason: types.ReasonError, Error: err}
		res.ErrorsWhileComputing = true
	}

	fetcher := propfetch.New(backend, req.TeamID, req.DistinctID)
	resolver := cohort.NewResolver(cohortStore, staticMemberFrom(fetcher))
	flagDeps := func(flagID any) (bool, string, bool) {
		return flagEvaluatorLookup(flagID, byKey, res.Flags)
	}

	var allNeedsDB []*types.FeatureFlag
	for _, level := range levels {
		_, needsDB := splitByOverrides(level, req.Overrides, req.GroupTypeIndex)
		allNeedsDB = append(allNeedsDB, needsDB...)
	}
	requirement := unionRequirement(allNeedsDB, req.GroupKeys, req.GroupTypeIndex)

	for _, level := range levels {
		fastPath, needsDB := splitByOverrides(level, req.Overrides, req.GroupTypeIndex)

		for _, f := range fastPath {
			in := buildInput(f, req, hashKeyOverrides, req.Overrides.Person, req.Overrides.Group, flagDeps)
			res.Flags[f.Key] = match.Match(f, in)
			if res.Flags[f.Key].Error != nil {
				res.ErrorsWhileComputing = true
			}
		}

		if len(needsDB) == 0 {
			continue
		}

		if _, err := fetcher.Prepare(ctx, requirement); err != nil {
			for _, f := range needsDB {
				res.Flags[f.Key] = types.FeatureFlagMatch{Reason: types.ReasonError, Error: err}
			}
			res.ErrorsWhileComputing = true
			continue
		}

		result := fetcher.Result()
		var grp errgroup.Group
		outcomes := make([]types.FeatureFlagMatch, len(needsDB))
		for i, f := range needsDB {
			i, f := i, f
			grp.Go(func() error {
				personProps := mergeProps(result.PersonProperties, req.Overrides.Person)
				groupProps := mergeGroupProps(result.GroupProperties, req.GroupTypeIndex, req.Overrides.Group)
				in := buildInput(f, req, hashKeyOverrides, personProps, groupProps, flagDeps)
				in.Cohorts = resolver.Checker()
				outcomes[i] = match.Match(f, in)
				return nil
			})
		}
		_ = grp.Wait()
		for i, f := range needsDB {
			res.Flags[f.Key] = outcomes[i]
			if outcomes[i].Error != nil {
				res.ErrorsWhileComputing = true
			}
		}
	}

	return res, nil
}

func resolveHashKeys(ctx context.Context, req Request, active []*types.FeatureFlag, hashKeys HashKeyStore) (map[string]string, error) {
	if hashKeys == nil || len(req.DistinctIDsForHashLookup) == 0 {
		return map[string]string{}, nil
	}
	overrides, err := hashKeys.Lookup(ctx, req.TeamID, req.DistinctIDsForHashLookup)
	if err != nil {
		return map[string]string{}, err
	}
	if overrides == nil {
		overrides = map[string]string{}
	}

	if req.NewHashKeyOverride == "" || req.NewHashKeyOverride == req.DistinctID || req.PersonID == 0 {
		return overrides, nil
	}

	var toPersist []string
	for _, f := range active {
		if f.EnsureExperienceContinuity {
			if _, exists := overrides[f.Key]; !exists {
				toPersist = append(toPersist, f.Key)
			}
		}
	}
	if len(toPersist) == 0 {
		return overrides, nil
	}
	if err := hashKeys.Upsert(ctx, req.TeamID, req.PersonID, toPersist, req.NewHashKeyOverride); err != nil {
		// Best-effort: failure here doesn't block other flags, but it
		// does mean continuity isn't guaranteed for this request.
		return overrides, err
	}
	for _, key := range toPersist {
		overrides[key] = req.NewHashKeyOverride
	}
	return overrides, nil
}

func buildInput(f *types.FeatureFlag, req Request, hashKeyOverrides map[string]string, personProps map[string]any, groupProps map[string]map[string]any, flagDeps match.FlagEvaluator) match.Input {
	return match.Input{
		DistinctID:       req.DistinctID,
		GroupKeys:        req.GroupKeys,
		PersonProperties: personProps,
		GroupProperties:  groupProps,
		HashKeyOverride:  hashKeyOverrides[f.Key],
		GroupTypeIndex:   req.GroupTypeIndex,
		FlagDeps:         flagDeps,
	}
}

func staticMemberFrom(fetcher *propfetch.Fetcher) func(int64) (bool, bool) {
	return func(id int64) (bool, bool) {
		result := fetcher.Result()
		if result == nil {
			return false, false
		}
		member, ok := result.StaticCohortMembership[id]
		return member, ok
	}
}

func flagEvaluatorLookup(flagID any, byKey map[string]*types.FeatureFlag, resolved map[string]types.FeatureFlagMatch) (bool, string, bool) {
	key, ok := flagIDToKey(flagID, byKey)
	if !ok {
		return false, "", false
	}
	m, ok := resolved[key]
	if !ok {
		return false, "", false
	}
	return m.Matches, m.Variant, true
}

func flagIDToKey(flagID any, byKey map[string]*types.FeatureFlag) (string, bool) {
	switch v := flagID.(type) {
	case string:
		if _, ok := byKey[v]; ok {
			return v, true
		}
	case float64:
		for _, f := range byKey {
			if float64(f.ID) == v {
				return f.Key, true
			}
		}
	case int64:
		for _, f := range byKey {
			if f.ID == v {
				return f.Key, true
			}
		}
	}
	return "", false
}

func mergeProps(base, overrides map[string]any) map[string]any {
	if len(overrides) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// mergeGroupProps converts C5's GroupKey-indexed result (keyed by
// type index + group key) into the group-type-name-indexed map
// match.Input expects, then layers the request's group_properties
// overrides on top.
func mergeGroupProps(base map[teamstore.GroupKey]map[string]any, groupTypeIndex map[int]string, overrides map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(base)+len(overrides))
	for gk, props := range base {
		name := groupTypeIndex[gk.TypeIndex]
		if name == "" {
			continue
		}
		out[name] = props
	}
	for name, props := range overrides {
		out[name] = mergeProps(out[name], props)
	}
	return out
}

// splitByOverrides partitions a level's flags into the property-override
// fast path and the flags that need a durable-store read.
func splitByOverrides(level []*types.FeatureFlag, overrides PropertyOverrides, groupTypeIndex map[int]string) (fastPath, needsDB []*types.FeatureFlag) {
	for _, f := range level {
		if answeredByOverrides(f, overrides, groupTypeIndex) {
			fastPath = append(fastPath, f)
		} else {
			needsDB = append(needsDB, f)
		}
	}
	return fastPath, needsDB
}

func answeredByOverrides(f *types.FeatureFlag, overrides PropertyOverrides, groupTypeIndex map[int]string) bool {
	for _, group := range referencedGroups(f) {
		for _, pf := range group.Properties {
			switch {
			case pf.Operator == types.OpFlagEvaluatesTo:
				// Resolved via the flag dependency graph, not the DB.
			case pf.Type == types.PropertyTypeCohort:
				return false
			case pf.Type == types.PropertyTypeGroup:
				name := groupTypeNameFor(pf, groupTypeIndex)
				if name == "" {
					return false
				}
				if _, ok := overrides.Group[name][pf.Key]; !ok {
					return false
				}
			default:
				if _, ok := overrides.Person[pf.Key]; !ok {
					return false
				}
			}
		}
	}
	return true
}

func groupTypeNameFor(pf types.PropertyFilter, groupTypeIndex map[int]string) string {
	if pf.GroupTypeIndex == nil {
		return ""
	}
	return groupTypeIndex[*pf.GroupTypeIndex]
}

func referencedGroups(f *types.FeatureFlag) []types.ConditionGroup {
	groups := make([]types.ConditionGroup, 0, len(f.Filters.Groups)+len(f.Filters.SuperGroups))
	groups = append(groups, f.Filters.Groups...)
	groups = append(groups, f.Filters.SuperGroups...)
	return groups
}

// unionRequirement computes the union of group keys and static cohort
// ids referenced by the given flags' property filters, for a single C5
// batched fetch. groupKeys/groupTypeIndex come from the request (§4.5
// required_group_keys: a group-type property filter only resolves to a
// GroupKey when the request supplied a key for that group type).
func unionRequirement(flags []*types.FeatureFlag, groupKeys map[string]any, groupTypeIndex map[int]string) propfetch.Requirement {
	groupSet := map[teamstore.GroupKey]bool{}
	cohortSet := map[int64]bool{}
	for _, f := range flags {
		for _, group := range referencedGroups(f) {
			for _, pf := range group.Properties {
				switch pf.Type {
				case types.PropertyTypeCohort:
					if id, ok := asInt64(pf.Value); ok {
						cohortSet[id] = true
					}
				case types.PropertyTypeGroup:
					if gk, ok := groupKeyFor(pf, groupKeys, groupTypeIndex); ok {
						groupSet[gk] = true
					}
				}
			}
		}
	}
	groups := make([]teamstore.GroupKey, 0, len(groupSet))
	for k := range groupSet {
		groups = append(groups, k)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].TypeIndex != groups[j].TypeIndex {
			return groups[i].TypeIndex < groups[j].TypeIndex
		}
		return groups[i].Key < groups[j].Key
	})
	cohortIDs := make([]int64, 0, len(cohortSet))
	for id := range cohortSet {
		cohortIDs = append(cohortIDs, id)
	}
	sort.Slice(cohortIDs, func(i, j int) bool { return cohortIDs[i] < cohortIDs[j] })
	return propfetch.Requirement{Groups: groups, StaticCohortIDs: cohortIDs}
}

// groupKeyFor resolves a group-type property filter to the GroupKey C5
// should fetch, using the request's group-type-index -> name mapping and
// the caller-supplied group key for that name. Returns false when the
// filter's group type isn't named in groupTypeIndex or the request
// didn't supply a key for it (the filter then falls to the default
// "missing" handling rather than an extra fetch).
func groupKeyFor(pf types.PropertyFilter, groupKeys map[string]any, groupTypeIndex map[int]string) (teamstore.GroupKey, bool) {
	name := groupTypeNameFor(pf, groupTypeIndex)
	if name == "" {
		return teamstore.GroupKey{}, false
	}
	raw, ok := groupKeys[name]
	if !ok {
		return teamstore.GroupKey{}, false
	}
	key, ok := stringifyGroupKey(raw)
	if !ok {
		return teamstore.GroupKey{}, false
	}
	return teamstore.GroupKey{TypeIndex: *pf.GroupTypeIndex, Key: key}, true
}

func stringifyGroupKey(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", t), true
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}

// topoLevels toposorts active flags by their flag_evaluates_to edges
// (Kahn's algorithm), returning dependency-respecting levels: every
// flag in level[i] only depends on flags in level[0..i-1]. Flags on or
// downstream of a cycle, or that reference a missing dependency, are
// returned in erroredByCycle instead of any level.
func topoLevels(flags []*types.FeatureFlag) (levels [][]*types.FeatureFlag, erroredByCycle map[string]error) {
	erroredByCycle = map[string]error{}
	byKey := make(map[string]*types.FeatureFlag, len(flags))
	for _, f := range flags {
		byKey[f.Key] = f
	}

	deps := make(map[string]map[string]bool, len(flags))
	for _, f := range flags {
		deps[f.Key] = map[string]bool{}
		for _, group := range referencedGroups(f) {
			for _, pf := range group.Properties {
				if pf.Operator != types.OpFlagEvaluatesTo {
					continue
				}
				depKey, ok := flagIDToKey(pf.Key, byKey)
				if !ok {
					erroredByCycle[f.Key] = ingesterr.New(ingesterr.KindInternal, "flag_evaluates_to references unknown flag")
					continue
				}
				deps[f.Key][depKey] = true
			}
		}
	}

	remaining := make(map[string]*types.FeatureFlag, len(flags))
	for _, f := range flags {
		if _, errored := erroredByCycle[f.Key]; !errored {
			remaining[f.Key] = f
		}
	}

	for len(remaining) > 0 {
		var ready []*types.FeatureFlag
		for key, f := range remaining {
			allSatisfied := true
			for dep := range deps[key] {
				if _, stillRemaining := remaining[dep]; stillRemaining {
					allSatisfied = false
					break
				}
			}
			if allSatisfied {
				ready = append(ready, f)
			}
		}
		if len(ready) == 0 {
			// Every remaining flag is on (or depends on) a cycle.
			for key := range remaining {
				erroredByCycle[key] = ingesterr.New(ingesterr.KindInternal, "flag_evaluates_to dependency cycle")
			}
			break
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].Key < ready[j].Key })
		levels = append(levels, ready)
		for _, f := range ready {
			delete(remaining, f.Key)
		}
	}
	return levels, erroredByCycle
}
