// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

// Package types holds the data model shared by the capture and
// feature-flag subsystems: teams, raw and processed events, flags,
// property filters, cohorts and hash-key overrides.
package types

import (
	"encoding/json"
	"time"
)

// Team is the cached, durable-store-backed configuration for one
// PostHog-style project. It is looked up by API token or secret token;
// the two namespaces never collide.
type Team struct {
	ID                          int64           `json:"id"`
	ProjectID                   int64           `json:"project_id"`
	APIToken                    string          `json:"api_token"`
	SecretToken                 string          `json:"secret_api_token,omitempty"`
	FlagDefinitionsRateLimit    string          `json:"flag_definitions_rate_limit,omitempty"` // "N/unit" override
	SessionReplayOptIn          bool            `json:"session_recording_opt_in"`
	SessionReplaySamplingRate   float64         `json:"session_recording_sample_rate,omitempty"`
	RecordingDomains            []string        `json:"recording_domains,omitempty"`
	FeatureFlags                []*FeatureFlag  `json:"feature_flags,omitempty"`
	Cohorts                     []Cohort        `json:"cohorts,omitempty"`
	// GroupTypeIndex maps a group-type aggregation index (as referenced
	// by FeatureFlagFilters.AggregationGroupType) to its group-type name
	// (the key used in FlagRequest.Groups/GroupProperties).
	GroupTypeIndex map[int]string  `json:"group_type_index,omitempty"`
	Extra          json.RawMessage `json:"-"`
}

// RawEvent is untrusted SDK input, decoded but not yet validated.
type RawEvent struct {
	UUID         string          `json:"uuid,omitempty"`
	Event        string          `json:"event,omitempty"`
	DistinctID   any             `json:"distinct_id,omitempty"`
	Properties   map[string]any  `json:"properties,omitempty"`
	Set          map[string]any  `json:"$set,omitempty"`
	SetOnce      map[string]any  `json:"$set_once,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	Offset       *float64        `json:"offset,omitempty"`
	Token        string          `json:"token,omitempty"`
	SentAt       string          `json:"sent_at,omitempty"`
}

// RawBatch is the top-level shape accepted by the capture endpoints; see
// pkg/capture/decode for the untagged-union dispatch that produces it.
type RawBatch struct {
	Events              []RawEvent `json:"-"`
	APIKey              string     `json:"api_key,omitempty"`
	SentAt              string     `json:"sent_at,omitempty"`
	HistoricalMigration bool       `json:"historical_migration,omitempty"`
}

// DataType classifies a ProcessedEvent for downstream routing.
type DataType string

const (
	DataTypeAnalyticsMain       DataType = "analytics-main"
	DataTypeAnalyticsHistorical DataType = "analytics-historical"
	DataTypeClientWarning       DataType = "client-warning"
	DataTypeHeatmap             DataType = "heatmap"
	DataTypeException           DataType = "exception"
	DataTypeSnapshot            DataType = "snapshot"
)

// ProcessedEvent is the normalized result of C9, ready for C10.
type ProcessedEvent struct {
	UUID       string
	DistinctID string
	IP         string
	Data       json.RawMessage
	Now        time.Time
	SentAt     *time.Time
	Token      string
	SessionID  string
	DataType   DataType
}

// Key is the partition key used by C10: "{token}:{distinct_id}".
func (e *ProcessedEvent) Key() string {
	return e.Token + ":" + e.DistinctID
}

// PropertyFilterType names the aggregation level a PropertyFilter targets.
type PropertyFilterType string

const (
	PropertyTypePerson PropertyFilterType = "person"
	PropertyTypeGroup  PropertyFilterType = "group"
	PropertyTypeCohort PropertyFilterType = "cohort"
	PropertyTypeFlag   PropertyFilterType = "flag"
)

// PropertyOperator enumerates the comparison semantics of §4.7.
type PropertyOperator string

const (
	OpExact           PropertyOperator = "exact"
	OpIsNot            PropertyOperator = "is_not"
	OpIContains        PropertyOperator = "icontains"
	OpNotIContains     PropertyOperator = "not_icontains"
	OpRegex            PropertyOperator = "regex"
	OpNotRegex         PropertyOperator = "not_regex"
	OpGT               PropertyOperator = "gt"
	OpGTE              PropertyOperator = "gte"
	OpLT               PropertyOperator = "lt"
	OpLTE              PropertyOperator = "lte"
	OpIsSet            PropertyOperator = "is_set"
	OpIsNotSet         PropertyOperator = "is_not_set"
	OpIn               PropertyOperator = "in"
	OpNotIn            PropertyOperator = "not_in"
	OpFlagEvaluatesTo  PropertyOperator = "flag_evaluates_to"
)

// PropertyFilter is a single leaf condition.
type PropertyFilter struct {
	Key             string             `json:"key"`
	Value           any                `json:"value"`
	Operator        PropertyOperator   `json:"operator"`
	Type            PropertyFilterType `json:"type"`
	GroupTypeIndex  *int               `json:"group_type_index,omitempty"`
	Negation        bool               `json:"negation,omitempty"`
}

// ConditionGroup is one element of FeatureFlag.Filters.Groups.
type ConditionGroup struct {
	Properties        []PropertyFilter `json:"properties,omitempty"`
	RolloutPercentage *float64         `json:"rollout_percentage,omitempty"`
	Variant           string           `json:"variant,omitempty"`
}

// Variant is one row of a multivariate rollout table.
type Variant struct {
	Key               string  `json:"key"`
	RolloutPercentage float64 `json:"rollout_percentage"`
}

// Multivariate holds the ordered variant rollout table.
type Multivariate struct {
	Variants []Variant `json:"variants"`
}

// HoldoutGroup is a deliberately-excluded cohort of users.
type HoldoutGroup struct {
	Properties        []PropertyFilter `json:"properties,omitempty"`
	RolloutPercentage float64          `json:"rollout_percentage"`
}

// FeatureFlagFilters is the nested "filters" blob of a FeatureFlag.
type FeatureFlagFilters struct {
	Groups                []ConditionGroup          `json:"groups"`
	Multivariate          *Multivariate              `json:"multivariate,omitempty"`
	AggregationGroupType  *int                       `json:"aggregation_group_type_index,omitempty"`
	SuperGroups           []ConditionGroup           `json:"super_groups,omitempty"`
	HoldoutGroups         []HoldoutGroup             `json:"holdout_groups,omitempty"`
	Payloads              map[string]json.RawMessage `json:"payloads,omitempty"`
}

// FeatureFlag is a single flag definition belonging to a team.
type FeatureFlag struct {
	ID                         int64              `json:"id"`
	TeamID                     int64              `json:"team_id"`
	Key                        string             `json:"key"`
	Active                     bool               `json:"active"`
	Deleted                    bool               `json:"deleted"`
	EnsureExperienceContinuity bool               `json:"ensure_experience_continuity"`
	Filters                    FeatureFlagFilters `json:"filters"`
}

// AggregatesByGroup reports whether the flag is evaluated at a group
// aggregation level rather than per-person.
func (f *FeatureFlag) AggregatesByGroup() bool {
	return f.Filters.AggregationGroupType != nil
}

// MatchReason enumerates the evaluation outcomes of C7/C8.
type MatchReason string

const (
	ReasonSuperConditionValue  MatchReason = "super_condition_value"
	ReasonHoldoutConditionVal  MatchReason = "holdout_condition_value"
	ReasonConditionMatch       MatchReason = "condition_match"
	ReasonOutOfRolloutBound    MatchReason = "out_of_rollout_bound"
	ReasonNoConditionMatch     MatchReason = "no_condition_match"
	ReasonNoGroupType          MatchReason = "no_group_type"
	ReasonDisabled             MatchReason = "disabled"
	ReasonError                MatchReason = "error"
)

// reasonPriority implements the "highest-priority reason" ordering of
// §4.7 step 6: SuperConditionValue > ConditionMatch > OutOfRolloutBound >
// NoConditionMatch > NoGroupType.
var reasonPriority = map[MatchReason]int{
	ReasonSuperConditionValue: 5,
	ReasonHoldoutConditionVal: 5,
	ReasonConditionMatch:      4,
	ReasonOutOfRolloutBound:   3,
	ReasonNoConditionMatch:    2,
	ReasonNoGroupType:         1,
	ReasonDisabled:            0,
	ReasonError:               0,
}

// HigherPriority reports whether candidate outranks current per the
// reason-priority ordering above.
func HigherPriority(candidate, current MatchReason) bool {
	return reasonPriority[candidate] > reasonPriority[current]
}

// FeatureFlagMatch is the outcome of evaluating one flag for one subject.
type FeatureFlagMatch struct {
	Matches        bool            `json:"matches"`
	Variant        string          `json:"variant,omitempty"`
	Reason         MatchReason     `json:"reason"`
	ConditionIndex *int            `json:"condition_index,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          error           `json:"-"`
}

// Cohort is a named, saved set of users.
type Cohort struct {
	ID       int64
	TeamID   int64
	IsStatic bool
	// Filters is the raw predicate tree JSON for dynamic cohorts; nil for
	// static cohorts, whose membership lives in the property fetcher's
	// per-request cache (C5).
	Filters json.RawMessage
}

// HashKeyOverride binds a person's experience-continuity hash_key
// for one flag.
type HashKeyOverride struct {
	TeamID   int64
	PersonID int64
	FlagKey  string
	HashKey  string
}

// FlagRequest is the decoded body of POST /flags and POST /decide.
type FlagRequest struct {
	Token             string                    `json:"token"`
	DistinctID        string                    `json:"distinct_id"`
	Groups            map[string]any            `json:"groups,omitempty"`
	PersonProperties  map[string]any            `json:"person_properties,omitempty"`
	GroupProperties   map[string]map[string]any `json:"group_properties,omitempty"`
	AnonDistinctID    string                    `json:"anon_distinct_id,omitempty"`
	GeoIPDisable      bool                      `json:"geoip_disable,omitempty"`
}
