// Package teamstore is the durable-store side of C3 (team cache) and the
// backing store for C5's person/group/cohort reads and C11's hash-key
// overrides. It wraps jackc/pgx/v5's pgxpool behind a typed Config
// parsed from env, explicit Validate, and a Store that owns the pools.
package teamstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config binds the §6 environment variables for the read/write pool
// pair. A split persons pool is supported for deployments that route
// person/group reads to a replica distinct from the team/flag store.
type Config struct {
	MaxConnections      int32         `env:"MAX_PG_CONNECTIONS" envDefault:"20"`
	AcquireTimeout       time.Duration `env:"ACQUIRE_TIMEOUT_SECS" envDefault:"1s"`
	IdleTimeout          time.Duration `env:"IDLE_TIMEOUT_SECS" envDefault:"300s"`
	MaxLifetime          time.Duration `env:"MAX_LIFETIME_SECS" envDefault:"1800s"`
	MaxLifetimeJitter    time.Duration `env:"MAX_LIFETIME_JITTER_SECS" envDefault:"30s"`
	TestBeforeAcquire    bool          `env:"TEST_BEFORE_ACQUIRE" envDefault:"true"`
	ReadDatabaseURL      string        `env:"READ_DATABASE_URL,required"`
	WriteDatabaseURL     string        `env:"WRITE_DATABASE_URL,required"`
	PersonsReadDatabaseURL  string     `env:"PERSONS_READ_DATABASE_URL"`
	PersonsWriteDatabaseURL string     `env:"PERSONS_WRITE_DATABASE_URL"`
}

// Validate rejects an unusable pool configuration before Open spends a
// connection attempt on it.
func (c Config) Validate() error {
	if c.AcquireTimeout < time.Second {
		return fmt.Errorf("ACQUIRE_TIMEOUT_SECS must be >= 1")
	}
	if c.ReadDatabaseURL == "" || c.WriteDatabaseURL == "" {
		return fmt.Errorf("READ_DATABASE_URL and WRITE_DATABASE_URL are required")
	}
	return nil
}

func (c Config) personsReadURL() string {
	if c.PersonsReadDatabaseURL != "" {
		return c.PersonsReadDatabaseURL
	}
	return c.ReadDatabaseURL
}

// Store owns the connection pools. Team lookups go through readPool;
// person/group property fetches and person-id resolution go through
// personsReadPool; hash-key override lookups and writes go through
// writePool.
type Store struct {
	readPool        *pgxpool.Pool
	writePool       *pgxpool.Pool
	personsReadPool *pgxpool.Pool
}

// Open validates cfg and establishes the pool(s). It does not block on
// connectivity; a broken DSN surfaces on first query rather than here.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	readCfg, err := poolConfig(cfg.ReadDatabaseURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("read pool config: %w", err)
	}
	writeCfg, err := poolConfig(cfg.WriteDatabaseURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("write pool config: %w", err)
	}
	readPool, err := pgxpool.NewWithConfig(ctx, readCfg)
	if err != nil {
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	writePool, err := pgxpool.NewWithConfig(ctx, writeCfg)
	if err != nil {
		readPool.Close()
		return nil, fmt.Errorf("open write pool: %w", err)
	}
	personsPool := readPool
	if cfg.personsReadURL() != cfg.ReadDatabaseURL {
		pCfg, err := poolConfig(cfg.personsReadURL(), cfg)
		if err != nil {
			readPool.Close()
			writePool.Close()
			return nil, fmt.Errorf("persons read pool config: %w", err)
		}
		personsPool, err = pgxpool.NewWithConfig(ctx, pCfg)
		if err != nil {
			readPool.Close()
			writePool.Close()
			return nil, fmt.Errorf("open persons read pool: %w", err)
		}
	}
	return &Store{readPool: readPool, writePool: writePool, personsReadPool: personsPool}, nil
}

func poolConfig(dsn string, cfg Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = cfg.MaxConnections
	pc.MaxConnIdleTime = cfg.IdleTimeout
	pc.MaxConnLifetime = cfg.MaxLifetime
	pc.MaxConnLifetimeJitter = cfg.MaxLifetimeJitter
	pc.HealthCheckPeriod = cfg.AcquireTimeout
	return pc, nil
}

func (s *Store) Close() {
	s.readPool.Close()
	s.writePool.Close()
	if s.personsReadPool != s.readPool {
		s.personsReadPool.Close()
	}
}
