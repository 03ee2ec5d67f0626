package propfetch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/posthog/capture-flags/pkg/teamstore"
)

type fakeBackend struct {
	calls int
	resp  *teamstore.PropertyResult
}

func (f *fakeBackend) FetchProperties(_ context.Context, _ teamstore.PropertyRequest) (*teamstore.PropertyResult, error) {
	f.calls++
	return f.resp, nil
}

func TestFetcher_PrepareIsMemoized(t *testing.T) {
	backend := &fakeBackend{resp: &teamstore.PropertyResult{PersonID: 1}}
	f := New(backend, 10, "u1")

	r1, err := f.Prepare(context.Background(), Requirement{})
	require.NoError(t, err)
	r2, err := f.Prepare(context.Background(), Requirement{StaticCohortIDs: []int64{5}})
	require.NoError(t, err)

	require.Same(t, r1, r2)
	require.Equal(t, 1, backend.calls)
	require.Equal(t, 1, f.FetchCalls())
}

func TestFetcher_NeverCalledWhenUnused(t *testing.T) {
	backend := &fakeBackend{resp: &teamstore.PropertyResult{}}
	f := New(backend, 10, "u1")
	require.Equal(t, 0, f.FetchCalls())
	require.Nil(t, f.Result())
}
