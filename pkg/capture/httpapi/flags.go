package httpapi

import (
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/posthog/capture-flags/pkg/capture/config"
	"github.com/posthog/capture-flags/pkg/capture/decode"
	"github.com/posthog/capture-flags/pkg/cohort"
	"github.com/posthog/capture-flags/pkg/flags/evaluator"
	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/quota"
	"github.com/posthog/capture-flags/pkg/teamcache"
	"github.com/posthog/capture-flags/pkg/teamstore"
	"github.com/posthog/capture-flags/pkg/token"
	"github.com/posthog/capture-flags/pkg/types"
)

// defaultFlagDefinitionsRate is the fallback GCRA quota (§4.4) applied
// to a team with no flag_definitions_rate_limit override.
var defaultFlagDefinitionsRate = quota.ParsedRate{Count: 600, Unit: quota.UnitMinute}

// FlagsHandler implements `POST /flags` and `POST /decide` (§6):
// decode, team lookup, per-team rate limiting, flag evaluation (C5-C8,
// C11), and response composition (C12).
type FlagsHandler struct {
	Teams   *teamcache.Cache
	Store   *teamstore.Store
	Billing quota.BillingChecker
	Config  config.Reader
	Log     zerolog.Logger
	Metrics *Metrics

	mu       sync.Mutex
	limiters map[int64]*quota.KeyedLimiter
}

func (h *FlagsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.New().String()

	headers := decode.Headers{ContentType: r.Header.Get("Content-Type"), ContentEncoding: r.Header.Get("Content-Encoding")}
	query := decode.Query{Compression: r.URL.Query().Get("compression")}
	limits := decode.Limits{MaxDecompressedBytes: maxBodyBytes}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.KindRequestDecoding, err, "read body"))
		return
	}
	if int64(len(body)) > maxBodyBytes {
		writeError(w, ingesterr.New(ingesterr.KindEventTooBig, "request body too large"))
		return
	}

	req, err := decode.DecodeFlagRequest(body, headers, query, limits)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := token.Validate(req.Token); err != nil {
		writeError(w, err)
		return
	}

	team, _, err := h.Teams.Lookup(ctx, teamcache.NamespaceAPIToken, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}

	if limiter := h.limiterFor(team); limiter != nil {
		allowed, err := limiter.Allow(req.Token)
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			writeError(w, ingesterr.New(ingesterr.KindRateLimited, "flag definitions rate limit exceeded"))
			return
		}
	}

	evalReq := evaluator.Request{
		TeamID:         team.ID,
		DistinctID:     req.DistinctID,
		Flags:          team.FeatureFlags,
		GroupKeys:      req.Groups,
		GroupTypeIndex: team.GroupTypeIndex,
		Overrides: evaluator.PropertyOverrides{
			Person: req.PersonProperties,
			Group:  req.GroupProperties,
		},
		NewHashKeyOverride: req.AnonDistinctID,
	}
	if req.AnonDistinctID != "" {
		evalReq.DistinctIDsForHashLookup = []string{req.DistinctID, req.AnonDistinctID}
	}
	if req.AnonDistinctID != "" && req.AnonDistinctID != req.DistinctID {
		if personID, ok, perr := h.Store.ResolvePersonID(ctx, team.ID, req.DistinctID); perr == nil && ok {
			evalReq.PersonID = personID
		}
	}

	cohortStore := cohort.NewTeamStore(team.Cohorts)
	result, err := evaluator.EvaluateAll(ctx, evalReq, h.Store, cohortStore, h.Store)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.Metrics != nil {
		for _, m := range result.Flags {
			h.Metrics.FlagsEvaluatedTotal.WithLabelValues(string(m.Reason)).Inc()
		}
	}

	resp := map[string]any{
		"flags":                     result.Flags,
		"errorsWhileComputingFlags": result.ErrorsWhileComputing,
		"requestId":                 requestID,
	}

	if h.Config != nil {
		recordingsLimited, err := h.Billing.IsLimited(ctx, req.Token, quota.ResourceRecordings)
		if err != nil {
			h.Log.Warn().Err(err).Int64("team_id", team.ID).Msg("config billing check failed")
		} else if blob, err := config.Compose(ctx, h.Config, req.Token, recordingsLimited); err != nil {
			h.Log.Warn().Err(err).Int64("team_id", team.ID).Msg("config compose failed")
		} else if blob != nil {
			resp["config"] = blob
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// limiterFor returns the team's rate limiter, lazily building one keyed
// by team ID the first time it's needed; a team's override string is
// parsed once and reused for the cache's lifetime.
func (h *FlagsHandler) limiterFor(team *types.Team) *quota.KeyedLimiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limiters == nil {
		h.limiters = make(map[int64]*quota.KeyedLimiter)
	}
	if l, ok := h.limiters[team.ID]; ok {
		return l
	}

	rate := defaultFlagDefinitionsRate
	if team.FlagDefinitionsRateLimit != "" {
		if parsed, err := quota.ParseRateOverride(team.FlagDefinitionsRateLimit); err == nil {
			rate = parsed
		} else {
			h.Log.Warn().Err(err).Int64("team_id", team.ID).Msg("ignoring invalid flag_definitions_rate_limit override")
		}
	}

	l, err := quota.NewKeyedLimiter(quota.KeyedLimiterConfig{Default: rate})
	if err != nil {
		h.Log.Warn().Err(err).Int64("team_id", team.ID).Msg("failed to build flag definitions rate limiter")
		return nil
	}
	h.limiters[team.ID] = l
	return l
}
