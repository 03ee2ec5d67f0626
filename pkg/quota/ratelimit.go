package quota

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// RateUnit is one of the four intervals a "N/unit" override can name.
type RateUnit string

const (
	UnitSecond RateUnit = "second"
	UnitMinute RateUnit = "minute"
	UnitHour   RateUnit = "hour"
	UnitDay    RateUnit = "day"
)

// ParsedRate is a decoded "N/unit" override.
type ParsedRate struct {
	Count int
	Unit  RateUnit
}

// ParseRateOverride parses strings like "120/minute" or "5/second" into
// the (count, unit) pair the GCRA quota is built from.
func ParseRateOverride(s string) (ParsedRate, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return ParsedRate{}, fmt.Errorf("quota override %q: expected N/unit", s)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return ParsedRate{}, fmt.Errorf("quota override %q: invalid count: %w", s, err)
	}
	unit := RateUnit(strings.ToLower(strings.TrimSpace(parts[1])))
	switch unit {
	case UnitSecond, UnitMinute, UnitHour, UnitDay:
	default:
		return ParsedRate{}, fmt.Errorf("quota override %q: unknown unit %q", s, unit)
	}
	return ParsedRate{Count: count, Unit: unit}, nil
}

func (p ParsedRate) toQuota() throttled.RateQuota {
	var rate throttled.Rate
	switch p.Unit {
	case UnitSecond:
		rate = throttled.PerSec(p.Count)
	case UnitHour:
		rate = throttled.PerHour(p.Count)
	case UnitDay:
		rate = throttled.PerDay(p.Count)
	default:
		rate = throttled.PerMin(p.Count)
	}
	// throttled admits MaxBurst+1 requests at once, so Count-1 caps a
	// burst at Count.
	burst := p.Count - 1
	if burst < 0 {
		burst = 0
	}
	return throttled.RateQuota{MaxRate: rate, MaxBurst: burst}
}

// KeyedLimiterConfig sets the default per-key quota and any
// per-key overrides (e.g. a team's FlagDefinitionsRateLimit).
type KeyedLimiterConfig struct {
	Default   ParsedRate
	Overrides map[string]ParsedRate
}

// Counters is the pair of metrics §4.4 requires per check: total checks
// performed, and checks that came back limited.
type Counters struct {
	Total   int64
	Limited int64
}

// KeyedLimiter wraps a GCRA rate limiter per distinct override quota, so
// a key with a custom "N/unit" override gets its own cell-rate state
// machine instead of sharing the default limiter's bucket.
type KeyedLimiter struct {
	cfg      KeyedLimiterConfig
	def      *throttled.GCRARateLimiter
	perKey   map[string]*throttled.GCRARateLimiter
	counters Counters
}

func NewKeyedLimiter(cfg KeyedLimiterConfig) (*KeyedLimiter, error) {
	defStore, err := memstore.New(65536)
	if err != nil {
		return nil, fmt.Errorf("allocate rate limiter store: %w", err)
	}
	def, err := throttled.NewGCRARateLimiter(defStore, cfg.Default.toQuota())
	if err != nil {
		return nil, fmt.Errorf("build default rate limiter: %w", err)
	}

	kl := &KeyedLimiter{cfg: cfg, def: def, perKey: make(map[string]*throttled.GCRARateLimiter, len(cfg.Overrides))}
	for key, rate := range cfg.Overrides {
		store, err := memstore.New(65536)
		if err != nil {
			return nil, fmt.Errorf("allocate rate limiter store for %q: %w", key, err)
		}
		rl, err := throttled.NewGCRARateLimiter(store, rate.toQuota())
		if err != nil {
			return nil, fmt.Errorf("build rate limiter for %q: %w", key, err)
		}
		kl.perKey[key] = rl
	}
	return kl, nil
}

// Allow reports whether one unit of the keyed quota is available, and
// records the total/limited counters §4.4 requires.
func (k *KeyedLimiter) Allow(key string) (bool, error) {
	rl := k.def
	if override, ok := k.perKey[key]; ok {
		rl = override
	}

	k.counters.Total++
	limited, _, err := rl.RateLimit(key, 1)
	if err != nil {
		return false, err
	}
	if limited {
		k.counters.Limited++
	}
	return !limited, nil
}

func (k *KeyedLimiter) Counters() Counters { return k.counters }
