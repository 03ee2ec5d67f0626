// Package quota implements C4: the billing limiter, the keyed GCRA rate
// limiter, and the partition/overflow limiter. Each is a distinct
// mechanism with its own storage and decay model; they share this
// package only because all three gate whether/how an event proceeds.
package quota

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/posthog/capture-flags/pkg/clock"
)

// Resource names the quota axis a billing check applies to.
type Resource string

const (
	ResourceEvents            Resource = "events"
	ResourceRecordings        Resource = "recordings"
	ResourceFeatureFlagReqs   Resource = "feature_flag_requests"
)

// BillingChecker reports whether a token is over its quota for a
// resource. Implementations typically read a precomputed limited-set
// from Redis, refreshed out-of-band by a control-plane process; this
// package defines the consuming contract, the Redis reader below, and an
// in-memory variant for tests.
type BillingChecker interface {
	IsLimited(ctx context.Context, token string, resource Resource) (bool, error)
}

// StaticBillingChecker is a test/fallback BillingChecker backed by an
// in-memory set, standing in for the Redis-backed production
// implementation RedisBillingChecker.
type StaticBillingChecker struct {
	mu      sync.RWMutex
	limited map[string]map[Resource]bool
}

func NewStaticBillingChecker() *StaticBillingChecker {
	return &StaticBillingChecker{limited: make(map[string]map[Resource]bool)}
}

func (s *StaticBillingChecker) SetLimited(token string, resource Resource, limited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limited[token] == nil {
		s.limited[token] = make(map[Resource]bool)
	}
	s.limited[token][resource] = limited
}

func (s *StaticBillingChecker) IsLimited(_ context.Context, token string, resource Resource) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limited[token][resource], nil
}

// billingKeyPrefix namespaces the Redis set a control-plane process
// refreshes with currently billing-limited tokens.
const billingKeyPrefix = "billing-limited:"

// RedisBillingChecker reads the limited-set a control-plane process
// maintains in Redis, one set per resource (e.g.
// "billing-limited:events" is a set of tokens currently over quota).
type RedisBillingChecker struct {
	Client *redis.Client
}

func (r RedisBillingChecker) IsLimited(ctx context.Context, token string, resource Resource) (bool, error) {
	limited, err := r.Client.SIsMember(ctx, billingKeyPrefix+string(resource), token).Result()
	if err != nil {
		return false, err
	}
	return limited, nil
}

// CaptureOutcome is what the billing limiter decides for one capture
// request: accepted events are still HTTP 200'd (preserving SDK retry
// semantics until the v1 behavior below), but reported dropped.
type CaptureOutcome struct {
	Accepted     bool
	DroppedCount int
	DropReason   string
}

// CheckCapture applies the v0 billing-limit behavior: HTTP 200, all
// events reported dropped with reason over_quota.
func CheckCapture(ctx context.Context, checker BillingChecker, token string, eventCount int, clk clock.Source) (CaptureOutcome, error) {
	limited, err := checker.IsLimited(ctx, token, ResourceEvents)
	if err != nil {
		return CaptureOutcome{}, err
	}
	if !limited {
		return CaptureOutcome{Accepted: true}, nil
	}
	return CaptureOutcome{Accepted: true, DroppedCount: eventCount, DropReason: "over_quota"}, nil
}

// CheckCaptureStrict applies the newer v1 behavior: reject with 429
// instead of silently dropping.
func CheckCaptureStrict(ctx context.Context, checker BillingChecker, token string) (bool, error) {
	return checker.IsLimited(ctx, token, ResourceEvents)
}
