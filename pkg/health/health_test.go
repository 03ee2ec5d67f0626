package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/posthog/capture-flags/pkg/clock"
)

func TestRegistry_LiveWithNoSubscribers(t *testing.T) {
	r := New(clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.True(t, r.Live())
}

func TestRegistry_HealthyWithinThreshold(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(clk)
	r.Register("teamcache", 10*time.Second)

	clk.Advance(5 * time.Second)
	r.Beat("teamcache")

	require.True(t, r.Live())
}

func TestRegistry_StaleSubscriberMakesProcessNotLive(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(clk)
	r.Register("kafka-sink", 10*time.Second)

	clk.Advance(30 * time.Second)

	require.False(t, r.Live())
	report := r.Report()
	require.Len(t, report, 1)
	require.False(t, report[0].Healthy)
}

func TestRegistry_UnknownSubscriberBeatIsNoop(t *testing.T) {
	r := New(clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NotPanics(t, func() { r.Beat("never-registered") })
}
