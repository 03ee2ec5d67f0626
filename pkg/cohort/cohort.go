// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package cohort implements C6: parsing a cohort's predicate tree,
// toposorting cohort dependencies, and evaluating dynamic cohort
// membership against a person's (or group's) property set.
//
// The predicate tree is the sum type PredicateNode = And | Or | Leaf
// from §9, represented here as a small interface with three concrete
// implementations rather than a tagged union struct.
package cohort

import (
	"encoding/json"
	"fmt"

	"github.com/posthog/capture-flags/pkg/propfilter"
	"github.com/posthog/capture-flags/pkg/types"
)

// PredicateNode is a node of a dynamic cohort's predicate tree.
type PredicateNode interface {
	eval(props map[string]any, resolve func(cohortID int64) (bool, error)) (bool, error)
}

// AndNode requires every child to match.
type AndNode struct{ Children []PredicateNode }

func (n *AndNode) eval(props map[string]any, resolve func(int64) (bool, error)) (bool, error) {
	for _, c := range n.Children {
		ok, err := c.eval(props, resolve)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// OrNode requires any child to match.
type OrNode struct{ Children []PredicateNode }

func (n *OrNode) eval(props map[string]any, resolve func(int64) (bool, error)) (bool, error) {
	for _, c := range n.Children {
		ok, err := c.eval(props, resolve)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// LeafNode is a single property filter, or a reference to another
// cohort by id (when Filter.Type == "cohort").
type LeafNode struct {
	Filter types.PropertyFilter
}

func (n *LeafNode) eval(props map[string]any, resolve func(int64) (bool, error)) (bool, error) {
	if n.Filter.Type == types.PropertyTypeCohort {
		id, ok := asInt64(n.Filter.Value)
		if !ok {
			return false, fmt.Errorf("cohort leaf value %v is not a cohort id", n.Filter.Value)
		}
		member, err := resolve(id)
		if err != nil {
			return false, err
		}
		if n.Filter.Negation {
			return !member, nil
		}
		return member, nil
	}
	ok, err := propfilter.MatchScalar(n.Filter, props)
	if err != nil {
		return false, err
	}
	if n.Filter.Negation {
		ok = !ok
	}
	return ok, nil
}

// wireNode is the on-wire shape of a cohort's `filters` JSON: {type:
// AND|OR, values: [...]}, where a `values` element is either itself a
// nested {type, values} group or a property-filter leaf (optionally
// `type: "cohort"` naming a child cohort by id in `value`).
type wireNode struct {
	Type   string            `json:"type"`
	Values []json.RawMessage `json:"values"`

	// leaf fields, present when this node is itself a leaf
	Key            string `json:"key"`
	Value          any    `json:"value"`
	Operator       string `json:"operator"`
	PropType       string `json:"type_prop,omitempty"`
	GroupTypeIndex *int   `json:"group_type_index,omitempty"`
	Negation       bool   `json:"negation,omitempty"`
}

// ParseFilters parses a cohort's raw `filters` JSON into a PredicateNode
// tree.
func ParseFilters(raw json.RawMessage) (PredicateNode, error) {
	if len(raw) == 0 {
		return &AndNode{}, nil
	}
	var w wireNode
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("parse cohort filters: %w", err)
	}
	return buildNode(w)
}

func buildNode(w wireNode) (PredicateNode, error) {
	switch w.Type {
	case "AND", "and":
		children, err := buildChildren(w.Values)
		if err != nil {
			return nil, err
		}
		return &AndNode{Children: children}, nil
	case "OR", "or":
		children, err := buildChildren(w.Values)
		if err != nil {
			return nil, err
		}
		return &OrNode{Children: children}, nil
	case "cohort":
		return &LeafNode{Filter: types.PropertyFilter{
			Type: types.PropertyTypeCohort, Value: w.Value, Negation: w.Negation,
		}}, nil
	default:
		// A bare leaf: group_type_index present implies a group-level
		// filter, otherwise it's a person-property filter.
		ft := types.PropertyTypePerson
		if w.GroupTypeIndex != nil {
			ft = types.PropertyTypeGroup
		}
		return &LeafNode{Filter: types.PropertyFilter{
			Key: w.Key, Value: w.Value, Operator: types.PropertyOperator(w.Operator),
			Type: ft, GroupTypeIndex: w.GroupTypeIndex, Negation: w.Negation,
		}}, nil
	}
}

func buildChildren(raw []json.RawMessage) ([]PredicateNode, error) {
	children := make([]PredicateNode, 0, len(raw))
	for _, r := range raw {
		var w wireNode
		if err := json.Unmarshal(r, &w); err != nil {
			return nil, fmt.Errorf("parse cohort filter child: %w", err)
		}
		n, err := buildNode(w)
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	return children, nil
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
