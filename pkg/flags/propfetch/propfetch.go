// Package propfetch is C5's per-evaluation façade over the durable
// store: it executes at most one batched round trip per request and
// memoizes the result so repeat callers within the same evaluation
// never re-issue it.
package propfetch

import (
	"context"
	"sync"

	"github.com/posthog/capture-flags/pkg/teamstore"
)

// Backend is the durable-store dependency; teamstore.Store satisfies it.
type Backend interface {
	FetchProperties(ctx context.Context, req teamstore.PropertyRequest) (*teamstore.PropertyResult, error)
}

// Requirement is the union of what one evaluation's needs_db flags
// require: every referenced group and every referenced static cohort.
type Requirement struct {
	Groups          []teamstore.GroupKey
	StaticCohortIDs []int64
}

// Fetcher is the per-request facade C8 calls once with the union
// requirement across all needs_db flags.
type Fetcher struct {
	backend    Backend
	teamID     int64
	distinctID string

	mu     sync.Mutex
	result *teamstore.PropertyResult
	calls  int
}

func New(backend Backend, teamID int64, distinctID string) *Fetcher {
	return &Fetcher{backend: backend, teamID: teamID, distinctID: distinctID}
}

// Prepare implements prepare(...) → (): fetch once for the given
// requirement, memoizing the result. Calling Prepare again within the
// same request is a no-op returning the cached result; it does not
// re-issue the round trip even with a different requirement, since C8
// computes the union of all needs_db flags up front.
func (f *Fetcher) Prepare(ctx context.Context, req Requirement) (*teamstore.PropertyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result != nil {
		return f.result, nil
	}
	f.calls++
	result, err := f.backend.FetchProperties(ctx, teamstore.PropertyRequest{
		TeamID:          f.teamID,
		DistinctID:      f.distinctID,
		Groups:          req.Groups,
		StaticCohortIDs: req.StaticCohortIDs,
	})
	if err != nil {
		return nil, err
	}
	f.result = result
	return result, nil
}

// FetchCalls reports how many times the backend was actually invoked;
// §8 invariant 5 requires this to stay 0 when every needed flag is
// answered entirely by property overrides.
func (f *Fetcher) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Result returns the memoized fetch result, or nil if Prepare was never
// called (the property-override-only fast path never needed the DB).
func (f *Fetcher) Result() *teamstore.PropertyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}
