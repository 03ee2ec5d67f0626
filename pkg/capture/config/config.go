// Package config implements C12: composing the capture config response
// from a control-plane-precomputed blob, with the one transformation
// this service is responsible for applying at read time — recordings
// quota enforcement.
package config

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/posthog/capture-flags/pkg/ingesterr"
)

// Reader fetches the precomputed config blob keyed by API token. A
// thin interface over *redis.Client so tests can substitute a fake.
type Reader interface {
	Get(ctx context.Context, key string) (string, error)
}

const keyPrefix = "capture-config:"

// RedisReader adapts a *redis.Client to Reader, matching the
// rdb.Process(ctx, cmd) / simple-command usage in pkg/builtins/redis.go.
type RedisReader struct {
	Client *redis.Client
}

func (r RedisReader) Get(ctx context.Context, key string) (string, error) {
	v, err := r.Client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Compose implements §4.12: fetch the blob as-is, then if the team is
// billing-limited for recordings, overwrite session_recording with the
// disabled marker and union "recordings" into quota_limited.
func Compose(ctx context.Context, reader Reader, apiToken string, recordingsLimited bool) (json.RawMessage, error) {
	raw, err := reader.Get(ctx, apiToken)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "fetch config blob")
	}
	if raw == "" {
		return nil, nil
	}

	if !recordingsLimited {
		return json.RawMessage(raw), nil
	}

	var blob map[string]any
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "parse config blob")
	}

	blob["session_recording"] = false

	limited := stringSlice(blob["quota_limited"])
	if !contains(limited, "recordings") {
		limited = append(limited, "recordings")
	}
	blob["quota_limited"] = limited

	out, err := json.Marshal(blob)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInternal, err, "marshal composed config")
	}
	return out, nil
}

func stringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
