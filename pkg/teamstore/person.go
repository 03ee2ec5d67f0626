package teamstore

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/posthog/capture-flags/pkg/ingesterr"
)

// ResolvePersonID looks up the person a distinct_id currently belongs
// to, used by the flags handler to populate Request.PersonID ahead of
// a hash-key override write (C11 needs a concrete person_id, not a
// distinct_id, as its join key).
func (s *Store) ResolvePersonID(ctx context.Context, teamID int64, distinctID string) (int64, bool, error) {
	var personID int64
	err := s.personsReadPool.QueryRow(ctx, `
		SELECT person_id FROM posthog_persondistinctid
		WHERE team_id = $1 AND distinct_id = $2`, teamID, distinctID).Scan(&personID)
	switch {
	case err == pgx.ErrNoRows:
		return 0, false, nil
	case err != nil:
		return 0, false, ingesterr.Wrap(ingesterr.KindInternal, err, "resolve person id")
	default:
		return personID, true, nil
	}
}
