// Package decode implements C2: turning an untrusted HTTP request body
// into either a RawBatch (capture endpoints) or a FlagRequest (flags
// endpoints). It sniffs Content-Encoding and falls back to magic-byte
// detection, then dispatches on PostHog's array-vs-object batch shapes.
package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/types"
)

// Limits bounds the decompressed body size; zero disables the check.
type Limits struct {
	MaxDecompressedBytes int64
}

// Headers is the subset of request metadata decoding needs.
type Headers struct {
	ContentType     string
	ContentEncoding string
}

// Query is the subset of query-string parameters decoding consults.
type Query struct {
	Compression string // "gzip", "gzip-js", "lz64", "lz-string", "base64"
}

var gzipMagic = []byte{0x1f, 0x8b}

// legacyBase64Paths are the request paths where, after the primary
// decompression step, a second base64 unwrap is attempted if the
// decoded text still looks like base64 (§4.2).
var legacyBase64Paths = map[string]bool{
	"/e":       true,
	"/e/":      true,
	"/capture": true,
	"/capture/": true,
	"/engage":  true,
	"/engage/": true,
	"/track":   true,
	"/track/":  true,
}

// DecodeEventBatch implements decode_event_batch(bytes, headers, query).
func DecodeEventBatch(body []byte, path string, h Headers, q Query, lim Limits) (types.RawBatch, error) {
	decoded, err := decompress(body, h, q, lim)
	if err != nil {
		return types.RawBatch{}, err
	}

	decoded, err = maybeSecondBase64(decoded, path)
	if err != nil {
		return types.RawBatch{}, err
	}

	switch ct := strings.ToLower(h.ContentType); {
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		decoded, err = decodeFormData(decoded)
		if err != nil {
			return types.RawBatch{}, err
		}
	case ct == "" || strings.Contains(ct, "application/json") || strings.Contains(ct, "text/plain"):
		// body is already JSON.
	default:
		return types.RawBatch{}, ingesterr.New(ingesterr.KindRequestDecoding, "unsupported content-type: "+h.ContentType)
	}

	batch, err := shapeToBatch(decoded, path)
	if err != nil {
		return types.RawBatch{}, err
	}

	batch.Events = filterPerformanceEvents(batch.Events)
	if len(batch.Events) == 0 {
		return types.RawBatch{}, ingesterr.New(ingesterr.KindEmptyPayloadFiltered, "no events left after filtering")
	}
	return batch, nil
}

// DecodeFlagRequest implements decode_flag_request(bytes, headers).
func DecodeFlagRequest(body []byte, h Headers, q Query, lim Limits) (types.FlagRequest, error) {
	decoded, err := decompress(body, h, q, lim)
	if err != nil {
		return types.FlagRequest{}, err
	}
	var req types.FlagRequest
	if err := json.Unmarshal(decoded, &req); err != nil {
		return types.FlagRequest{}, ingesterr.Wrap(ingesterr.KindRequestParsing, err, "parse flag request")
	}
	return req, nil
}

func decompress(body []byte, h Headers, q Query, lim Limits) ([]byte, error) {
	switch strings.ToLower(q.Compression) {
	case "gzip", "gzip-js":
		return gunzip(body, lim)
	case "lz64", "lz-string":
		return nil, ingesterr.New(ingesterr.KindRequestDecoding, "lz-string payloads are not supported by this deployment")
	case "base64":
		return base64Decode(body)
	}

	if strings.Contains(strings.ToLower(h.ContentEncoding), "gzip") {
		return gunzip(body, lim)
	}

	if len(body) >= 2 && bytes.Equal(body[:2], gzipMagic) {
		return gunzip(body, lim)
	}

	if err := checkLimit(int64(len(body)), lim); err != nil {
		return nil, err
	}
	return body, nil
}

func gunzip(body []byte, lim Limits) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindRequestDecoding, err, "open gzip stream")
	}
	defer r.Close()

	var out bytes.Buffer
	reader := io.Reader(r)
	if lim.MaxDecompressedBytes > 0 {
		reader = io.LimitReader(r, lim.MaxDecompressedBytes+1)
	}
	if _, err := io.Copy(&out, reader); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindRequestDecoding, err, "read gzip stream")
	}
	if err := checkLimit(int64(out.Len()), lim); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func checkLimit(n int64, lim Limits) error {
	if lim.MaxDecompressedBytes > 0 && n > lim.MaxDecompressedBytes {
		return ingesterr.New(ingesterr.KindEventTooBig, "decompressed body exceeds configured limit")
	}
	return nil
}

func base64Decode(body []byte) ([]byte, error) {
	s := strings.TrimSpace(string(body))
	s = strings.ReplaceAll(s, " ", "+")
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindRequestDecoding, err, "decode base64 body")
	}
	return out, nil
}

// maybeSecondBase64 re-attempts a base64 unwrap on legacy endpoints when
// the decoded text is itself not valid JSON but looks like base64.
func maybeSecondBase64(decoded []byte, path string) ([]byte, error) {
	if !legacyBase64Paths[path] {
		return decoded, nil
	}
	trimmed := bytes.TrimSpace(decoded)
	if len(trimmed) == 0 {
		return decoded, nil
	}
	if json.Valid(trimmed) {
		return decoded, nil
	}
	if !looksLikeBase64(trimmed) {
		return decoded, nil
	}
	out, err := base64Decode(trimmed)
	if err != nil {
		// Not actually base64; fall back to the original bytes and let
		// JSON parsing surface the real error downstream.
		return decoded, nil
	}
	return out, nil
}

func looksLikeBase64(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=' || c == '-' || c == '_' || c == ' ':
		default:
			return false
		}
	}
	return true
}

func decodeFormData(body []byte) ([]byte, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindRequestDecoding, err, "parse form body")
	}
	data := values.Get("data")
	if data == "" {
		return nil, ingesterr.New(ingesterr.KindRequestDecoding, "form body missing data field")
	}
	return base64Decode([]byte(data))
}

// shapeToBatch resolves the untagged union: array of events,
// {batch:[...], api_key, sent_at?, historical_migration?}, a single
// event object, or an engage-shaped object (only under /engage).
func shapeToBatch(decoded []byte, path string) (types.RawBatch, error) {
	trimmed := bytes.TrimSpace(decoded)
	if len(trimmed) == 0 {
		return types.RawBatch{}, ingesterr.New(ingesterr.KindRequestParsing, "empty request body")
	}

	if trimmed[0] == '[' {
		var events []types.RawEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return types.RawBatch{}, ingesterr.Wrap(ingesterr.KindRequestParsing, err, "parse event array")
		}
		return types.RawBatch{Events: events}, nil
	}

	if trimmed[0] != '{' {
		return types.RawBatch{}, ingesterr.New(ingesterr.KindRequestParsing, "request body is neither an array nor an object")
	}

	var probe struct {
		Batch               json.RawMessage `json:"batch"`
		APIKey              string          `json:"api_key"`
		SentAt              string          `json:"sent_at"`
		HistoricalMigration bool            `json:"historical_migration"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return types.RawBatch{}, ingesterr.Wrap(ingesterr.KindRequestParsing, err, "parse request object")
	}

	if len(probe.Batch) > 0 {
		var events []types.RawEvent
		if err := json.Unmarshal(probe.Batch, &events); err != nil {
			return types.RawBatch{}, ingesterr.Wrap(ingesterr.KindRequestParsing, err, "parse batch field")
		}
		return types.RawBatch{
			Events:              events,
			APIKey:              probe.APIKey,
			SentAt:              probe.SentAt,
			HistoricalMigration: probe.HistoricalMigration,
		}, nil
	}

	if isEngagePath(path) {
		ev, err := engageToEvent(trimmed)
		if err != nil {
			return types.RawBatch{}, err
		}
		return types.RawBatch{Events: []types.RawEvent{ev}, APIKey: probe.APIKey}, nil
	}

	var ev types.RawEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return types.RawBatch{}, ingesterr.Wrap(ingesterr.KindRequestParsing, err, "parse single event")
	}
	return types.RawBatch{Events: []types.RawEvent{ev}, APIKey: probe.APIKey}, nil
}

func isEngagePath(path string) bool {
	return strings.HasPrefix(path, "/engage")
}

// engageToEvent synthesizes an $identify event from an engage-shaped
// payload ({$distinct_id, $set, $set_once, ...}).
func engageToEvent(raw []byte) (types.RawEvent, error) {
	var engage struct {
		DistinctID any            `json:"$distinct_id"`
		Token      string         `json:"$token"`
		Set        map[string]any `json:"$set"`
		SetOnce    map[string]any `json:"$set_once"`
	}
	if err := json.Unmarshal(raw, &engage); err != nil {
		return types.RawEvent{}, ingesterr.Wrap(ingesterr.KindRequestParsing, err, "parse engage payload")
	}
	return types.RawEvent{
		Event:      "$identify",
		DistinctID: engage.DistinctID,
		Token:      engage.Token,
		Set:        engage.Set,
		SetOnce:    engage.SetOnce,
	}, nil
}

func filterPerformanceEvents(events []types.RawEvent) []types.RawEvent {
	out := events[:0:0]
	for _, e := range events {
		if e.Event == "$performance_event" {
			continue
		}
		out = append(out, e)
	}
	return out
}
