package cohort

import (
	"encoding/json"

	"github.com/posthog/capture-flags/pkg/types"
)

// TeamStore adapts a team's loaded cohort definitions to the Store
// interface Resolve/Resolver need; it is rebuilt whenever the team
// cache (C3) loads or refreshes a Team.
type TeamStore struct {
	byID map[int64]types.Cohort
}

func NewTeamStore(cohorts []types.Cohort) *TeamStore {
	byID := make(map[int64]types.Cohort, len(cohorts))
	for _, c := range cohorts {
		byID[c.ID] = c
	}
	return &TeamStore{byID: byID}
}

func (s *TeamStore) Get(id int64) (bool, json.RawMessage, bool) {
	c, ok := s.byID[id]
	if !ok {
		return false, nil, false
	}
	return c.IsStatic, c.Filters, true
}
