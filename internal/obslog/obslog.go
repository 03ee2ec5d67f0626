// Package obslog builds the process-wide zerolog.Logger from a level
// and wire format, plus a helper to scope it with per-request fields.
package obslog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the base logger's level and wire format.
type Config struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// New builds the base logger every request-scoped logger (via
// WithRequest) derives from.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse LOG_LEVEL %q: %w", cfg.Level, err)
	}

	var w io.Writer = os.Stderr
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// WithRequest scopes a logger to the fields every capture/flags request
// log line carries: token, team_id, request_id.
func WithRequest(base zerolog.Logger, token string, teamID int64, requestID string) zerolog.Logger {
	return base.With().
		Str("token", token).
		Int64("team_id", teamID).
		Str("request_id", requestID).
		Logger()
}
