// Copyright 2025 The OPA Authors
// SPDX-License-Identifier: Apache-2.0

package teamstore

import (
	"context"

	"github.com/posthog/capture-flags/pkg/ingesterr"
)

// Upsert implements C11: it persists the caller's hash_key as the
// permanent experience-continuity override for person/flag pairs that
// don't already have one. Insert-or-ignore, since the first hash_key a
// person is ever evaluated under wins for the lifetime of the flag.
func (s *Store) Upsert(ctx context.Context, teamID, personID int64, flagKeys []string, hashKey string) error {
	if len(flagKeys) == 0 {
		return nil
	}
	_, err := s.writePool.Exec(ctx, `
		INSERT INTO posthog_featureflaghashkeyoverride (team_id, person_id, feature_flag_key, hash_key)
		SELECT $1, $2, unnest($3::text[]), $4
		ON CONFLICT (team_id, person_id, feature_flag_key) DO NOTHING`,
		teamID, personID, flagKeys, hashKey)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindInternal, err, "upsert hash key override")
	}
	return nil
}

// Lookup implements C11's read side: distinctIDs is priority-ordered
// (the request's own distinct_id first, any $anon_distinct_id after),
// and where two distinct_ids resolve to overrides for the same flag the
// higher-priority one shadows the rest.
func (s *Store) Lookup(ctx context.Context, teamID int64, distinctIDs []string) (map[string]string, error) {
	if len(distinctIDs) == 0 {
		return map[string]string{}, nil
	}

	rows, err := s.writePool.Query(ctx, `
		WITH priority AS (
			SELECT unnest($2::text[]) AS distinct_id,
			       generate_subscripts($2::text[], 1) AS prio
		), persons AS (
			SELECT pdi.person_id, priority.prio
			FROM posthog_persondistinctid pdi
			JOIN priority ON priority.distinct_id = pdi.distinct_id
			WHERE pdi.team_id = $1
		)
		SELECT DISTINCT ON (h.feature_flag_key) h.feature_flag_key, h.hash_key
		FROM posthog_featureflaghashkeyoverride h
		JOIN persons ON persons.person_id = h.person_id
		WHERE h.team_id = $1
		ORDER BY h.feature_flag_key, persons.prio ASC`,
		teamID, distinctIDs)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "lookup hash key overrides")
	}
	defer rows.Close()

	result := map[string]string{}
	for rows.Next() {
		var flagKey, hashKey string
		if err := rows.Scan(&flagKey, &hashKey); err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "scan hash key override")
		}
		result[flagKey] = hashKey
	}
	if err := rows.Err(); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "read hash key override rows")
	}
	return result, nil
}
