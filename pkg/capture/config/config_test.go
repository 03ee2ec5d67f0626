package config

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeReader map[string]string

func (f fakeReader) Get(_ context.Context, key string) (string, error) {
	return f[key], nil
}

func TestCompose_PassesThroughWhenNotLimited(t *testing.T) {
	reader := fakeReader{"tok": `{"session_recording":true,"quota_limited":["events"]}`}
	out, err := Compose(context.Background(), reader, "tok", false)
	require.NoError(t, err)

	var blob map[string]any
	require.NoError(t, json.Unmarshal(out, &blob))
	require.Equal(t, true, blob["session_recording"])
	require.Equal(t, []any{"events"}, blob["quota_limited"])
}

func TestCompose_DisablesRecordingsWhenLimited(t *testing.T) {
	reader := fakeReader{"tok": `{"session_recording":true,"quota_limited":["events"]}`}
	out, err := Compose(context.Background(), reader, "tok", true)
	require.NoError(t, err)

	var blob map[string]any
	require.NoError(t, json.Unmarshal(out, &blob))
	require.Equal(t, false, blob["session_recording"])
	require.ElementsMatch(t, []string{"events", "recordings"}, stringSlice(blob["quota_limited"]))
}

func TestCompose_DoesNotDuplicateRecordingsTag(t *testing.T) {
	reader := fakeReader{"tok": `{"quota_limited":["recordings"]}`}
	out, err := Compose(context.Background(), reader, "tok", true)
	require.NoError(t, err)

	var blob map[string]any
	require.NoError(t, json.Unmarshal(out, &blob))
	require.Equal(t, []string{"recordings"}, stringSlice(blob["quota_limited"]))
}

func TestCompose_MissingBlobReturnsNil(t *testing.T) {
	reader := fakeReader{}
	out, err := Compose(context.Background(), reader, "unknown", false)
	require.NoError(t, err)
	require.Nil(t, out)
}
