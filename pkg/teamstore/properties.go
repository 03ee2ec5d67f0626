package teamstore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/posthog/capture-flags/pkg/ingesterr"
)

// GroupKey identifies a group by its type index and key, matching
// FeatureFlagFilters.AggregationGroupType/FlagRequest.Groups.
type GroupKey struct {
	TypeIndex int
	Key       string
}

// PropertyRequest is the union of everything C8 needs resolved from the
// durable store for one evaluation, across every flag in needs_db.
type PropertyRequest struct {
	TeamID           int64
	DistinctID       string
	Groups           []GroupKey
	StaticCohortIDs  []int64
}

// PropertyResult is the per-request memoization cache C5 hands back to
// C8/C7. Missing person/group rows are represented as present-but-empty
// maps, never as errors (§4.5 absence semantics).
type PropertyResult struct {
	PersonID         int64
	PersonProperties map[string]any
	GroupProperties  map[GroupKey]map[string]any
	StaticCohortMembership map[int64]bool
}

// FetchProperties executes the single batched round trip C5 promises:
// one person lookup, one lookup per required group, and one static
// cohort membership query (joined against distinct_id directly, so it
// needs no personID known ahead of time), all pipelined on a single
// pgx.Batch so they share one network round trip regardless of how many
// groups/cohorts a request's flags require.
func (s *Store) FetchProperties(ctx context.Context, req PropertyRequest) (*PropertyResult, error) {
	result := &PropertyResult{
		PersonProperties:       map[string]any{},
		GroupProperties:        make(map[GroupKey]map[string]any, len(req.Groups)),
		StaticCohortMembership: make(map[int64]bool, len(req.StaticCohortIDs)),
	}
	for _, id := range req.StaticCohortIDs {
		result.StaticCohortMembership[id] = false
	}

	batch := &pgx.Batch{}
	batch.Queue(`SELECT id, properties FROM posthog_person
		JOIN posthog_persondistinctid pdi ON pdi.person_id = posthog_person.id
		WHERE pdi.team_id = $1 AND pdi.distinct_id = $2`, req.TeamID, req.DistinctID)

	for _, g := range req.Groups {
		batch.Queue(`SELECT group_properties FROM posthog_group
			WHERE team_id = $1 AND group_type_index = $2 AND group_key = $3`,
			req.TeamID, g.TypeIndex, g.Key)
	}

	hasCohortQuery := len(req.StaticCohortIDs) > 0
	if hasCohortQuery {
		batch.Queue(`SELECT cp.cohort_id FROM posthog_cohortpeople cp
			JOIN posthog_persondistinctid pdi ON pdi.person_id = cp.person_id
			WHERE pdi.team_id = $1 AND pdi.distinct_id = $2 AND cp.cohort_id = ANY($3)`,
			req.TeamID, req.DistinctID, req.StaticCohortIDs)
	}

	br := s.personsReadPool.SendBatch(ctx, batch)
	defer br.Close()

	var personID int64
	var propsJSON []byte
	err := br.QueryRow().Scan(&personID, &propsJSON)
	switch {
	case err == pgx.ErrNoRows:
		// Missing person: properties stay the empty object already set.
	case err != nil:
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "fetch person properties")
	default:
		result.PersonID = personID
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &result.PersonProperties); err != nil {
				return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "parse person properties")
			}
		}
	}

	for _, g := range req.Groups {
		var gpJSON []byte
		gerr := br.QueryRow().Scan(&gpJSON)
		props := map[string]any{}
		if gerr == nil && len(gpJSON) > 0 {
			if err := json.Unmarshal(gpJSON, &props); err != nil {
				return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "parse group properties")
			}
		}
		// Missing group: empty object, not an error (§4.5).
		result.GroupProperties[g] = props
	}

	if hasCohortQuery {
		rows, err := br.Query()
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "fetch static cohort membership")
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "scan cohort membership")
			}
			result.StaticCohortMembership[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "read cohort membership rows")
		}
	}

	return result, nil
}
