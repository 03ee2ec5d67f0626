package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/open-policy-agent/opa/util"
)

// ParseConfig unmarshals a JSON or YAML config block and validates it.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := util.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse kafka sink config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config holds the broker/TLS/SASL plumbing a producer aimed at a
// single output topic needs.
type Config struct {
	BrokerURLs []string `json:"brokerURLs"`
	Topic      string   `json:"topic"`

	Cert       string `json:"cert,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	CACert     string `json:"caCert,omitempty"`

	SASLMechanism string `json:"saslMechanism,omitempty"`
	SASLUsername  string `json:"saslUsername,omitempty"`
	SASLPassword  string `json:"saslPassword,omitempty"`
	SASLToken     bool   `json:"saslToken,omitempty"`

	// MessageTimeout bounds how long a single ProduceSync call may take
	// before its records are reported as a retryable failure.
	MessageTimeout time.Duration `json:"messageTimeoutMs,omitempty"`

	tls  *tls.Config
	sasl sasl.Mechanism
}

// Validate resolves TLS certificate/key material and SASL credentials
// into the opaque fields the client construction needs, and fails fast
// on any broker/topic misconfiguration.
func (c *Config) Validate() error {
	if len(c.BrokerURLs) == 0 {
		return fmt.Errorf("need at least one broker URL")
	}
	if c.Topic == "" {
		return fmt.Errorf("need an output topic")
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 10 * time.Second
	}

	if c.Cert != "" && c.PrivateKey != "" {
		t, err := readTLSConfig(c.Cert, c.PrivateKey, c.CACert)
		if err != nil {
			return err
		}
		c.tls = t
	}
	if c.SASLMechanism != "" {
		m, err := readSASLConfig(c.SASLMechanism, c.SASLUsername, c.SASLPassword, c.SASLToken)
		if err != nil {
			return err
		}
		c.sasl = m
	}
	return nil
}

func readTLSConfig(certFile, privKeyFile, caCertPath string) (*tls.Config, error) {
	keyPEMBlock, err := os.ReadFile(privKeyFile)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(keyPEMBlock)
	if block == nil {
		return nil, errors.New("PEM data could not be found")
	}

	certPEMBlock, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEMBlock, keyPEMBlock)
	if err != nil {
		return nil, err
	}
	t := tls.Config{Certificates: []tls.Certificate{cert}}

	if caCertPath != "" {
		caCert, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, err
		}
		t.RootCAs = x509.NewCertPool()
		t.RootCAs.AppendCertsFromPEM(caCert)
	}

	return &t, nil
}

func readSASLConfig(mechanism, username, password string, token bool) (sasl.Mechanism, error) {
	switch strings.ToUpper(mechanism) {
	case "SCRAM-SHA-256":
		return scram.Auth{User: username, Pass: password, IsToken: token}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: username, Pass: password, IsToken: token}.AsSha512Mechanism(), nil
	case "PLAIN":
		return plain.Auth{User: username, Pass: password}.AsMechanism(), nil
	}
	return nil, fmt.Errorf("unknown SASL mechanism %q", mechanism)
}
