package teamcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/posthog/capture-flags/pkg/clock"
	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/types"
)

type fakeLoader struct {
	teams map[string]*types.Team
	calls int
}

func (f *fakeLoader) LoadTeamByAPIToken(_ context.Context, apiToken string) (*types.Team, error) {
	f.calls++
	t, ok := f.teams[apiToken]
	if !ok {
		return nil, ingesterr.New(ingesterr.KindRowNotFound, "no such team")
	}
	return t, nil
}

func (f *fakeLoader) LoadTeamBySecretToken(_ context.Context, secretToken string) (*types.Team, error) {
	return f.LoadTeamByAPIToken(context.Background(), secretToken)
}

func newTestCache(t *testing.T, loader Loader) (*Cache, *clock.Fixed) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clk := &clock.Fixed{}
	return New(rdb, loader, clk, Config{}), clk
}

func TestLookup_LoadsThenCaches(t *testing.T) {
	loader := &fakeLoader{teams: map[string]*types.Team{"tok": {ID: 1, APIToken: "tok"}}}
	c, _ := newTestCache(t, loader)

	team, outcome, err := c.Lookup(context.Background(), NamespaceAPIToken, "tok")
	require.NoError(t, err)
	require.Equal(t, OutcomeLoaded, outcome)
	require.Equal(t, int64(1), team.ID)

	team, outcome, err = c.Lookup(context.Background(), NamespaceAPIToken, "tok")
	require.NoError(t, err)
	require.Equal(t, OutcomeCached, outcome)
	require.Equal(t, int64(1), team.ID)
	require.Equal(t, 1, loader.calls)
}

func TestLookup_NegativeCache(t *testing.T) {
	loader := &fakeLoader{teams: map[string]*types.Team{}}
	c, clk := newTestCache(t, loader)

	_, outcome, err := c.Lookup(context.Background(), NamespaceAPIToken, "missing")
	require.Error(t, err)
	require.Equal(t, OutcomeLoaded, outcome)
	require.Equal(t, 1, loader.calls)

	_, outcome, err = c.Lookup(context.Background(), NamespaceAPIToken, "missing")
	require.Error(t, err)
	require.Equal(t, OutcomeCached, outcome)
	require.Equal(t, 1, loader.calls, "negative cache should absorb repeat misses")

	clk.Advance(301 * time.Second)
	_, _, err = c.Lookup(context.Background(), NamespaceAPIToken, "missing")
	require.Error(t, err)
	require.Equal(t, 2, loader.calls, "expired negative entry must re-query the loader")
}

func TestLookup_NamespacesAreDisjoint(t *testing.T) {
	loader := &fakeLoader{teams: map[string]*types.Team{"shared": {ID: 9, APIToken: "shared"}}}
	c, _ := newTestCache(t, loader)

	_, _, err := c.Lookup(context.Background(), NamespaceAPIToken, "shared")
	require.NoError(t, err)

	_, _, err = c.Lookup(context.Background(), NamespaceSecretToken, "shared")
	require.NoError(t, err)
	require.Equal(t, 2, loader.calls, "api_token and secret_token namespaces must not share cache entries")
}
