// Package process implements C9: turning one decoded RawEvent into a
// ProcessedEvent ready for C10. The pinned google/uuid v1.3.0 predates
// UUIDv7, so the time-ordered event id this component needs is
// generated locally instead of through that package.
package process

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/posthog/capture-flags/pkg/clock"
	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/types"
)

const maxDistinctIDLen = 200

// Context is request-scoped metadata the raw event doesn't carry
// itself: the resolved token, caller IP, and the request's sent_at.
type Context struct {
	Token      string
	IP         string
	SentAt     *time.Time
	EngagePath bool
}

// Process implements process(raw, context) → ProcessedEvent | error.
func Process(raw types.RawEvent, ctx Context, clk clock.Source) (*types.ProcessedEvent, error) {
	eventName := raw.Event
	if eventName == "" && !ctx.EngagePath {
		return nil, ingesterr.New(ingesterr.KindMissingEventName, "event name is empty")
	}
	if eventName == "" {
		eventName = "$identify"
	}

	distinctID, err := extractDistinctID(raw)
	if err != nil {
		return nil, err
	}

	uuid := raw.UUID
	if uuid == "" {
		uuid, err = newUUIDv7()
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "generate event uuid")
		}
	}

	data, err := serialize(raw, eventName)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindRequestHydration, err, "serialize event data")
	}

	return &types.ProcessedEvent{
		UUID:       uuid,
		DistinctID: distinctID,
		IP:         ctx.IP,
		Data:       data,
		Now:        clk.Now(),
		SentAt:     ctx.SentAt,
		Token:      ctx.Token,
		DataType:   types.DataTypeAnalyticsMain,
	}, nil
}

// extractDistinctID implements §4.9 step 2: top-level wins over
// properties.distinct_id; numbers/containers stringify; null/empty is
// an error; truncate to 200 ASCII-length characters.
func extractDistinctID(raw types.RawEvent) (string, error) {
	candidate := raw.DistinctID
	if candidate == nil {
		if raw.Properties != nil {
			candidate = raw.Properties["distinct_id"]
		}
	}

	s, err := stringifyDistinctID(candidate)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", ingesterr.New(ingesterr.KindMissingDistinctID, "distinct_id is missing or empty")
	}
	if len(s) > maxDistinctIDLen {
		s = s[:maxDistinctIDLen]
	}
	return s, nil
}

func stringifyDistinctID(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return "", ingesterr.Wrap(ingesterr.KindRequestHydration, err, "stringify distinct_id container")
		}
		return string(b), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

// serialize preserves $set/$set_once alongside the rest of the event
// into the data blob C10 ships downstream.
func serialize(raw types.RawEvent, eventName string) (json.RawMessage, error) {
	out := map[string]any{
		"event":      eventName,
		"properties": raw.Properties,
	}
	if raw.Set != nil {
		out["$set"] = raw.Set
	}
	if raw.SetOnce != nil {
		out["$set_once"] = raw.SetOnce
	}
	if raw.Timestamp != "" {
		out["timestamp"] = raw.Timestamp
	}
	return json.Marshal(out)
}

// newUUIDv7 generates a time-ordered (RFC 9562) UUID: a 48-bit
// millisecond Unix timestamp followed by 74 bits of randomness, with
// the version and variant bits set per the spec.
func newUUIDv7() (string, error) {
	var b [16]byte
	ms := time.Now().UnixMilli()
	b[0] = byte(ms >> 40)
	b[1] = byte(ms >> 32)
	b[2] = byte(ms >> 24)
	b[3] = byte(ms >> 16)
	b[4] = byte(ms >> 8)
	b[5] = byte(ms)

	if _, err := rand.Read(b[6:]); err != nil {
		return "", err
	}
	b[6] = (b[6] & 0x0f) | 0x70 // version 7
	b[8] = (b[8] & 0x3f) | 0x80 // RFC 9562 variant

	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}
