package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_ValidateRequiresBrokers(t *testing.T) {
	cfg := Config{Topic: "events"}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfig_ValidateRequiresTopic(t *testing.T) {
	cfg := Config{BrokerURLs: []string{"localhost:9092"}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfig_ValidateDefaultsMessageTimeout(t *testing.T) {
	cfg := Config{BrokerURLs: []string{"localhost:9092"}, Topic: "events"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10*time.Second, cfg.MessageTimeout)
}

func TestConfig_ValidateRejectsUnknownSASLMechanism(t *testing.T) {
	cfg := Config{
		BrokerURLs:    []string{"localhost:9092"},
		Topic:         "events",
		SASLMechanism: "bogus",
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestConfig_ValidateAcceptsPlainSASL(t *testing.T) {
	cfg := Config{
		BrokerURLs:    []string{"localhost:9092"},
		Topic:         "events",
		SASLMechanism: "PLAIN",
		SASLUsername:  "user",
		SASLPassword:  "pass",
	}
	require.NoError(t, cfg.Validate())
}

func TestParseConfig_ParsesAndValidates(t *testing.T) {
	raw := []byte(`{"brokerURLs": ["localhost:9092"], "topic": "events"}`)
	cfg, err := ParseConfig(raw)
	require.NoError(t, err)
	require.Equal(t, "events", cfg.Topic)
	require.Equal(t, 10*time.Second, cfg.MessageTimeout)
}

func TestParseConfig_RejectsMissingTopic(t *testing.T) {
	raw := []byte(`{"brokerURLs": ["localhost:9092"]}`)
	_, err := ParseConfig(raw)
	require.Error(t, err)
}
