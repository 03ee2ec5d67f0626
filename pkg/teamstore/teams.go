package teamstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/types"
)

// LoadTeamByAPIToken is the durable-store fallback for C3's read-through
// cache, keyed by the regular-endpoint API token namespace.
func (s *Store) LoadTeamByAPIToken(ctx context.Context, apiToken string) (*types.Team, error) {
	return s.loadTeam(ctx, "api_token = $1", apiToken)
}

// LoadTeamBySecretToken is the admin-endpoint counterpart; the secret
// and API token namespaces are disjoint lookup keys on the same table.
func (s *Store) LoadTeamBySecretToken(ctx context.Context, secretToken string) (*types.Team, error) {
	return s.loadTeam(ctx, "secret_api_token = $1", secretToken)
}

func (s *Store) loadTeam(ctx context.Context, predicate string, key string) (*types.Team, error) {
	row := s.readPool.QueryRow(ctx, `
		SELECT id, project_id, api_token, secret_api_token,
		       flag_definitions_rate_limit, session_recording_opt_in,
		       session_recording_sample_rate, recording_domains, group_type_index
		FROM posthog_team WHERE `+predicate, key)

	var t types.Team
	var recordingDomains []string
	var groupTypeIndexJSON []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.APIToken, &t.SecretToken,
		&t.FlagDefinitionsRateLimit, &t.SessionReplayOptIn,
		&t.SessionReplaySamplingRate, &recordingDomains, &groupTypeIndexJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ingesterr.New(ingesterr.KindRowNotFound, "team not found")
	}
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "load team")
	}
	t.RecordingDomains = recordingDomains
	if len(groupTypeIndexJSON) > 0 {
		var m map[string]int
		if err := json.Unmarshal(groupTypeIndexJSON, &m); err == nil {
			t.GroupTypeIndex = make(map[int]string, len(m))
			for name, idx := range m {
				t.GroupTypeIndex[idx] = name
			}
		}
	}

	flags, err := s.loadFlags(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.FeatureFlags = flags

	cohorts, err := s.loadCohorts(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Cohorts = cohorts
	return &t, nil
}

func (s *Store) loadCohorts(ctx context.Context, teamID int64) ([]types.Cohort, error) {
	rows, err := s.readPool.Query(ctx, `
		SELECT id, team_id, is_static, filters
		FROM posthog_cohort WHERE team_id = $1 AND deleted = false`, teamID)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "load cohorts")
	}
	defer rows.Close()

	var cohorts []types.Cohort
	for rows.Next() {
		var c types.Cohort
		var filtersJSON []byte
		if err := rows.Scan(&c.ID, &c.TeamID, &c.IsStatic, &filtersJSON); err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "scan cohort")
		}
		if !c.IsStatic && len(filtersJSON) > 0 {
			c.Filters = filtersJSON
		}
		cohorts = append(cohorts, c)
	}
	return cohorts, rows.Err()
}

func (s *Store) loadFlags(ctx context.Context, teamID int64) ([]*types.FeatureFlag, error) {
	rows, err := s.readPool.Query(ctx, `
		SELECT id, team_id, key, active, deleted, ensure_experience_continuity, filters
		FROM posthog_featureflag WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "load flags")
	}
	defer rows.Close()

	var flags []*types.FeatureFlag
	for rows.Next() {
		var f types.FeatureFlag
		var filtersJSON []byte
		if err := rows.Scan(&f.ID, &f.TeamID, &f.Key, &f.Active, &f.Deleted,
			&f.EnsureExperienceContinuity, &filtersJSON); err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "scan flag")
		}
		if len(filtersJSON) > 0 {
			if err := json.Unmarshal(filtersJSON, &f.Filters); err != nil {
				return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "parse flag filters for %d", f.ID)
			}
		}
		flags = append(flags, &f)
	}
	return flags, rows.Err()
}
