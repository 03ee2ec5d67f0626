package decode

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventBatch_Array(t *testing.T) {
	body := []byte(`[{"event":"foo","distinct_id":"u1"},{"event":"bar","distinct_id":"u1"}]`)
	batch, err := DecodeEventBatch(body, "/e", Headers{ContentType: "application/json"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
}

func TestDecodeEventBatch_BatchObject(t *testing.T) {
	body := []byte(`{"api_key":"tok","batch":[{"event":"foo"}],"sent_at":"2026-01-01T00:00:00Z"}`)
	batch, err := DecodeEventBatch(body, "/batch", Headers{ContentType: "application/json"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Equal(t, "tok", batch.APIKey)
	require.Len(t, batch.Events, 1)
}

func TestDecodeEventBatch_SingleEvent(t *testing.T) {
	body := []byte(`{"event":"foo","distinct_id":"u1"}`)
	batch, err := DecodeEventBatch(body, "/capture", Headers{ContentType: "application/json"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	require.Equal(t, "foo", batch.Events[0].Event)
}

func TestDecodeEventBatch_EngageShape(t *testing.T) {
	body := []byte(`{"$token":"tok","$distinct_id":"u1","$set":{"plan":"pro"}}`)
	batch, err := DecodeEventBatch(body, "/engage", Headers{ContentType: "application/json"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	require.Equal(t, "$identify", batch.Events[0].Event)
	require.Equal(t, "pro", batch.Events[0].Set["plan"])
}

func TestDecodeEventBatch_FiltersPerformanceEvents(t *testing.T) {
	body := []byte(`[{"event":"$performance_event"},{"event":"foo"}]`)
	batch, err := DecodeEventBatch(body, "/e", Headers{ContentType: "application/json"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	require.Equal(t, "foo", batch.Events[0].Event)
}

func TestDecodeEventBatch_EmptyAfterFilteringErrors(t *testing.T) {
	body := []byte(`[{"event":"$performance_event"}]`)
	_, err := DecodeEventBatch(body, "/e", Headers{ContentType: "application/json"}, Query{}, Limits{})
	require.Error(t, err)
}

func TestDecodeEventBatch_GzipContentEncoding(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(`[{"event":"foo"}]`))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	batch, err := DecodeEventBatch(buf.Bytes(), "/e", Headers{ContentType: "application/json", ContentEncoding: "gzip"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
}

func TestDecodeEventBatch_GzipMagicByteAutoDetect(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(`[{"event":"foo"}]`))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	batch, err := DecodeEventBatch(buf.Bytes(), "/e", Headers{ContentType: "application/json"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
}

func TestDecodeEventBatch_ByteLimitExceeded(t *testing.T) {
	body := []byte(`[{"event":"this is a somewhat long event name to exceed the limit"}]`)
	_, err := DecodeEventBatch(body, "/e", Headers{ContentType: "application/json"}, Query{}, Limits{MaxDecompressedBytes: 8})
	require.Error(t, err)
}

func TestDecodeEventBatch_FormURLEncoded(t *testing.T) {
	payload := []byte(`[{"event":"foo"}]`)
	b64 := base64.StdEncoding.EncodeToString(payload)
	body := []byte("data=" + b64)
	batch, err := DecodeEventBatch(body, "/e", Headers{ContentType: "application/x-www-form-urlencoded"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
}

func TestDecodeEventBatch_UnsupportedContentType(t *testing.T) {
	_, err := DecodeEventBatch([]byte(`[]`), "/e", Headers{ContentType: "application/xml"}, Query{}, Limits{})
	require.Error(t, err)
}

func TestDecodeFlagRequest(t *testing.T) {
	body := []byte(`{"token":"tok","distinct_id":"u1"}`)
	req, err := DecodeFlagRequest(body, Headers{ContentType: "application/json"}, Query{}, Limits{})
	require.NoError(t, err)
	require.Equal(t, "tok", req.Token)
	require.Equal(t, "u1", req.DistinctID)
}
