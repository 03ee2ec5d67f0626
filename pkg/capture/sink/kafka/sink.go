// Package kafka implements C10: the durable log sink events are handed
// to once C9 has normalized them. It's a franz-go producer, keyed so
// that one distinct_id's events land on one partition unless the
// partition-overflow limiter (C4) detects a hot key and tells it to
// spread out.
package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kzerolog"
	"golang.org/x/sync/errgroup"

	"github.com/posthog/capture-flags/pkg/ingesterr"
	"github.com/posthog/capture-flags/pkg/quota"
	"github.com/posthog/capture-flags/pkg/types"
)

// Partitioner decides which partition key to use for one event; C4's
// PartitionLimiter satisfies this by nulling out hot keys.
type Partitioner interface {
	NextKey(key string) string
}

// Sink is a concurrent Kafka producer for ProcessedEvents.
type Sink struct {
	client      *kgo.Client
	cfg         Config
	partitioner Partitioner
	log         zerolog.Logger
}

// New builds a Sink's kgo.Client (SeedBrokers, WithLogger, TLS, SASL)
// targeting a single fixed output topic rather than subscribing to
// input topics.
func New(cfg Config, logger zerolog.Logger, partitioner Partitioner) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.BrokerURLs...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.WithLogger(kzerolog.New(&logger)),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if cfg.tls != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.tls))
	}
	if cfg.sasl != nil {
		opts = append(opts, kgo.SASL(cfg.sasl))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Sink{client: client, cfg: cfg, partitioner: partitioner, log: logger}, nil
}

// DropOutcome records one event that couldn't be written, paired with
// the reason the capture-response quota_limited/dropped accounting (C12)
// needs.
type DropOutcome struct {
	Event  *types.ProcessedEvent
	Reason string
	Err    error
}

// Produce writes a batch of events, one goroutine per event in an
// errgroup with no concurrency limit: an oversized message only drops
// that one event, while
// any other produce failure cancels the group so the remaining sends
// don't keep racing a broker that's already failing.
func (s *Sink) Produce(ctx context.Context, events []*types.ProcessedEvent) ([]DropOutcome, error) {
	grp, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var dropped []DropOutcome

	for _, ev := range events {
		ev := ev
		grp.Go(func() error {
			key := s.partitioner.NextKey(ev.Key())

			sendCtx, cancel := context.WithTimeout(gctx, s.cfg.MessageTimeout)
			defer cancel()

			record := &kgo.Record{Topic: s.cfg.Topic, Value: ev.Data}
			if key != "" {
				record.Key = []byte(key)
			}

			res := s.client.ProduceSync(sendCtx, record)
			if err := res.FirstErr(); err != nil {
				if errors.Is(err, kerr.MessageTooLarge) {
					mu.Lock()
					dropped = append(dropped, DropOutcome{Event: ev, Reason: "kafka_message_size", Err: err})
					mu.Unlock()
					return nil
				}
				mu.Lock()
				dropped = append(dropped, DropOutcome{Event: ev, Reason: "kafka_write_error", Err: err})
				mu.Unlock()
				return ingesterr.Wrap(ingesterr.KindRetryableSink, err, "produce event %s", ev.UUID)
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return dropped, err
	}
	return dropped, nil
}

// Close flushes outstanding produces, bounded to 30s so a stuck broker
// can't hang process shutdown indefinitely.
func (s *Sink) Close(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.client.Flush(flushCtx)
	s.client.Close()
	return err
}
