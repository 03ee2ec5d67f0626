package process

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/posthog/capture-flags/pkg/clock"
	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/types"
)

var fixedClock = clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

func TestProcess_UsesTopLevelDistinctID(t *testing.T) {
	raw := types.RawEvent{
		Event:      "pageview",
		DistinctID: "user-1",
		Properties: map[string]any{"distinct_id": "other-id"},
	}
	ev, err := Process(raw, Context{Token: "tok"}, fixedClock)
	require.NoError(t, err)
	require.Equal(t, "user-1", ev.DistinctID)
	require.NotEmpty(t, ev.UUID)
	require.Equal(t, "tok", ev.Token)
	require.Equal(t, fixedClock.Now(), ev.Now)
}

func TestProcess_FallsBackToPropertiesDistinctID(t *testing.T) {
	raw := types.RawEvent{
		Event:      "pageview",
		Properties: map[string]any{"distinct_id": "from-props"},
	}
	ev, err := Process(raw, Context{}, fixedClock)
	require.NoError(t, err)
	require.Equal(t, "from-props", ev.DistinctID)
}

func TestProcess_StringifiesNumericDistinctID(t *testing.T) {
	raw := types.RawEvent{Event: "pageview", DistinctID: 42.0}
	ev, err := Process(raw, Context{}, fixedClock)
	require.NoError(t, err)
	require.Equal(t, "42", ev.DistinctID)
}

func TestProcess_TruncatesLongDistinctID(t *testing.T) {
	long := strings.Repeat("a", 250)
	raw := types.RawEvent{Event: "pageview", DistinctID: long}
	ev, err := Process(raw, Context{}, fixedClock)
	require.NoError(t, err)
	require.Len(t, ev.DistinctID, maxDistinctIDLen)
}

func TestProcess_MissingDistinctIDErrors(t *testing.T) {
	raw := types.RawEvent{Event: "pageview"}
	_, err := Process(raw, Context{}, fixedClock)
	var ierr *ingesterr.Error
	require.True(t, ingesterr.As(err, &ierr))
	require.Equal(t, ingesterr.KindMissingDistinctID, ierr.Kind)
}

func TestProcess_EmptyEventNameErrorsOutsideEngagePath(t *testing.T) {
	raw := types.RawEvent{DistinctID: "u1"}
	_, err := Process(raw, Context{}, fixedClock)
	var ierr *ingesterr.Error
	require.True(t, ingesterr.As(err, &ierr))
	require.Equal(t, ingesterr.KindMissingEventName, ierr.Kind)
}

func TestProcess_EngagePathSynthesizesIdentify(t *testing.T) {
	raw := types.RawEvent{DistinctID: "u1", Set: map[string]any{"plan": "pro"}}
	ev, err := Process(raw, Context{EngagePath: true}, fixedClock)
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, "$identify", data["event"])
	require.Equal(t, map[string]any{"plan": "pro"}, data["$set"])
}

func TestProcess_PreservesExistingUUID(t *testing.T) {
	raw := types.RawEvent{Event: "pageview", DistinctID: "u1", UUID: "fixed-uuid"}
	ev, err := Process(raw, Context{}, fixedClock)
	require.NoError(t, err)
	require.Equal(t, "fixed-uuid", ev.UUID)
}

func TestProcess_GeneratesDistinctUUIDsPerEvent(t *testing.T) {
	raw := types.RawEvent{Event: "pageview", DistinctID: "u1"}
	a, err := Process(raw, Context{}, fixedClock)
	require.NoError(t, err)
	b, err := Process(raw, Context{}, fixedClock)
	require.NoError(t, err)
	require.NotEqual(t, a.UUID, b.UUID)
}

func TestNewUUIDv7_HasVersionAndVariantBits(t *testing.T) {
	id, err := newUUIDv7()
	require.NoError(t, err)
	parts := strings.Split(id, "-")
	require.Len(t, parts, 5)
	require.Equal(t, byte('7'), parts[2][0])
	variantNibble := parts[3][0]
	require.Contains(t, []byte{'8', '9', 'a', 'b'}, variantNibble)
}

func TestProcess_SerializesSetOnce(t *testing.T) {
	raw := types.RawEvent{
		Event:      "$identify",
		DistinctID: "u1",
		SetOnce:    map[string]any{"initial_referrer": "google"},
	}
	ev, err := Process(raw, Context{}, fixedClock)
	require.NoError(t, err)

	var data map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	require.Equal(t, map[string]any{"initial_referrer": "google"}, data["$set_once"])
}
