package httpapi

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/posthog/capture-flags/pkg/capture/decode"
	"github.com/posthog/capture-flags/pkg/capture/process"
	kafkasink "github.com/posthog/capture-flags/pkg/capture/sink/kafka"
	"github.com/posthog/capture-flags/pkg/clock"
	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/quota"
	"github.com/posthog/capture-flags/pkg/teamcache"
	"github.com/posthog/capture-flags/pkg/token"
	"github.com/posthog/capture-flags/pkg/types"
)

const maxBodyBytes = 20 << 20 // 20 MiB

// CaptureHandler implements the `POST /i/v0/e`, `/e`, `/capture`,
// `/batch`, `/engage`, `/track` family (§6): decode, validate, billing
// check, process, and hand the batch to the log producer sink.
type CaptureHandler struct {
	Teams   *teamcache.Cache
	Billing quota.BillingChecker
	Sink    *kafkasink.Sink
	Clock   clock.Source
	Log     zerolog.Logger
	Metrics *Metrics
}

func (h *CaptureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.KindRequestDecoding, err, "read body"))
		return
	}
	if int64(len(body)) > maxBodyBytes {
		writeError(w, ingesterr.New(ingesterr.KindEventTooBig, "request body too large"))
		return
	}

	q := r.URL.Query()
	headers := decode.Headers{ContentType: r.Header.Get("Content-Type"), ContentEncoding: r.Header.Get("Content-Encoding")}
	query := decode.Query{Compression: q.Get("compression")}
	limits := decode.Limits{MaxDecompressedBytes: maxBodyBytes}

	batch, err := decode.DecodeEventBatch(body, r.URL.Path, headers, query, limits)
	if err != nil {
		writeError(w, err)
		return
	}

	apiToken := resolveToken(r, batch)
	if err := token.Validate(apiToken); err != nil {
		writeError(w, err)
		return
	}

	team, _, err := h.Teams.Lookup(ctx, teamcache.NamespaceAPIToken, apiToken)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := quota.CheckCapture(ctx, h.Billing, apiToken, len(batch.Events), h.Clock)
	if err != nil {
		writeError(w, err)
		return
	}
	if outcome.DroppedCount > 0 {
		if h.Metrics != nil {
			h.Metrics.EventsDroppedTotal.WithLabelValues(outcome.DropReason).Add(float64(outcome.DroppedCount))
		}
		batch.Events = nil
	}

	ip := clientIP(r)
	processed := make([]*types.ProcessedEvent, 0, len(batch.Events))
	for _, raw := range batch.Events {
		ev, err := process.Process(raw, process.Context{
			Token:      apiToken,
			IP:         ip,
			EngagePath: isEngagePath(r.URL.Path),
		}, h.Clock)
		if err != nil {
			h.Log.Warn().Err(err).Int64("team_id", team.ID).Msg("dropping unprocessable event")
			h.countDropped("unprocessable")
			continue
		}
		processed = append(processed, ev)
	}

	if len(processed) > 0 {
		dropped, err := h.Sink.Produce(ctx, processed)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, d := range dropped {
			h.Log.Warn().Str("reason", d.Reason).Str("uuid", d.Event.UUID).Msg("event dropped by sink")
			h.countDropped(d.Reason)
		}
		if h.Metrics != nil {
			h.Metrics.EventsTotal.WithLabelValues().Add(float64(len(processed)))
		}
	}

	if q.Get("beacon") == "1" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        1,
		"quota_limited": outcome.DroppedCount > 0,
	})
}

func (h *CaptureHandler) countDropped(reason string) {
	if h.Metrics != nil {
		h.Metrics.EventsDroppedTotal.WithLabelValues(reason).Inc()
	}
}

func resolveToken(r *http.Request, batch types.RawBatch) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t := r.URL.Query().Get("api_key"); t != "" {
		return t
	}
	if batch.APIKey != "" {
		return batch.APIKey
	}
	for _, ev := range batch.Events {
		if ev.Token != "" {
			return ev.Token
		}
	}
	return ""
}

func isEngagePath(path string) bool {
	return len(path) >= len("/engage") && path[:len("/engage")] == "/engage"
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", nil
}
