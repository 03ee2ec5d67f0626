package cohort

import (
	"encoding/json"
	"fmt"
)

// Store is the read-only source of cohort definitions a Resolver walks.
type Store interface {
	// Get returns the cohort's is_static flag and, for dynamic cohorts,
	// its raw filters JSON. ok is false if the id is unknown.
	Get(id int64) (isStatic bool, filters json.RawMessage, ok bool)
}

// CycleError is returned when a cohort's dependency graph contains a
// cycle; callers mark every flag that referenced a cohort on the cycle
// as errored without blocking unrelated flags (§4.6).
type CycleError struct {
	Path []int64
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cohort dependency cycle: %v", e.Path)
}

// DanglingReferenceError is returned when a cohort references a cohort
// id the Store does not know about.
type DanglingReferenceError struct {
	From, To int64
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("cohort %d references unknown cohort %d", e.From, e.To)
}

// Resolve builds the dependency graph reachable from ids by DFS through
// referenced child cohorts and returns a post-order (children before
// parents). A cycle or dangling reference returns an error naming the
// offending ids; the caller is expected to mark affected flags as
// errored and continue evaluating independent flags.
func Resolve(ids []int64, store Store) ([]int64, error) {
	var order []int64
	visited := make(map[int64]int) // 0=unvisited 1=in-progress 2=done

	var visit func(id int64, path []int64) error
	visit = func(id int64, path []int64) error {
		switch visited[id] {
		case 2:
			return nil
		case 1:
			return &CycleError{Path: append(append([]int64{}, path...), id)}
		}
		visited[id] = 1
		isStatic, filters, ok := store.Get(id)
		if !ok {
			if len(path) == 0 {
				return &DanglingReferenceError{From: id, To: id}
			}
			return &DanglingReferenceError{From: path[len(path)-1], To: id}
		}
		if !isStatic {
			children, err := childCohortIDs(filters)
			if err != nil {
				return fmt.Errorf("cohort %d: %w", id, err)
			}
			for _, child := range children {
				if err := visit(child, append(path, id)); err != nil {
					return err
				}
			}
		}
		visited[id] = 2
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func childCohortIDs(filters json.RawMessage) ([]int64, error) {
	node, err := ParseFilters(filters)
	if err != nil {
		return nil, err
	}
	var ids []int64
	collectCohortRefs(node, &ids)
	return ids, nil
}

func collectCohortRefs(n PredicateNode, out *[]int64) {
	switch t := n.(type) {
	case *AndNode:
		for _, c := range t.Children {
			collectCohortRefs(c, out)
		}
	case *OrNode:
		for _, c := range t.Children {
			collectCohortRefs(c, out)
		}
	case *LeafNode:
		if t.Filter.Key == "" && t.Filter.Value != nil {
			if id, ok := asInt64(t.Filter.Value); ok {
				*out = append(*out, id)
			}
		}
	}
}

// Resolver evaluates cohort membership for a single evaluation (request),
// memoizing dynamic-cohort results by cohort id so that a cohort
// referenced by multiple flags (or nested inside another cohort) is only
// evaluated once. Static-cohort membership is taken from staticMember,
// the per-request bitset populated by C5.
type Resolver struct {
	store        Store
	staticMember func(cohortID int64) (bool, bool) // (member, known)
	memo         map[int64]bool
}

func NewResolver(store Store, staticMember func(int64) (bool, bool)) *Resolver {
	return &Resolver{store: store, staticMember: staticMember, memo: map[int64]bool{}}
}

// Member evaluates whether the given property set belongs to cohortID,
// reusing already-computed results within this Resolver's lifetime.
func (r *Resolver) Member(cohortID int64, properties map[string]any) (bool, error) {
	if v, ok := r.memo[cohortID]; ok {
		return v, nil
	}
	isStatic, filters, ok := r.store.Get(cohortID)
	if !ok {
		return false, &DanglingReferenceError{To: cohortID}
	}
	if isStatic {
		member, known := r.staticMember(cohortID)
		if !known {
			member = false // static-cohort miss => false membership, not an error
		}
		r.memo[cohortID] = member
		return member, nil
	}
	// A cycle or dangling reference below this cohort surfaces as an
	// error here instead of recursing without bound.
	if _, err := Resolve([]int64{cohortID}, r.store); err != nil {
		return false, err
	}
	node, err := ParseFilters(filters)
	if err != nil {
		return false, err
	}
	member, err := node.eval(properties, func(childID int64) (bool, error) {
		return r.Member(childID, properties)
	})
	if err != nil {
		return false, err
	}
	r.memo[cohortID] = member
	return member, nil
}

// Checker adapts Resolver to the match.CohortChecker signature used by
// C7 (the flag matcher).
func (r *Resolver) Checker() func(cohortID any, properties map[string]any) (bool, error) {
	return func(cohortID any, properties map[string]any) (bool, error) {
		id, ok := asInt64(cohortID)
		if !ok {
			return false, fmt.Errorf("cohort id %v is not numeric", cohortID)
		}
		return r.Member(id, properties)
	}
}
