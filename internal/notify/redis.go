package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/coedit/internal/ir"
)

// DefaultChannelPrefix is prepended to the event ID to form the channel name.
const DefaultChannelPrefix = "coedit:events:"

// Publisher is the subset of a Redis client the forwarder needs.
// *redis.Client, *redis.ClusterClient and redis.UniversalClient satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisForwarder relays change records to Redis pub/sub.
//
// Publish only enqueues; Run drains the queue on its own goroutine. A failed
// publish is logged and counted, and forwarding continues with the next
// record.
type RedisForwarder struct {
	client Publisher
	prefix string
	queue  *queue
	logger *slog.Logger

	forwarded atomic.Int64
	failed    atomic.Int64
}

// ForwarderOption configures a RedisForwarder.
type ForwarderOption func(*RedisForwarder)

// WithChannelPrefix overrides DefaultChannelPrefix.
func WithChannelPrefix(prefix string) ForwarderOption {
	return func(f *RedisForwarder) {
		f.prefix = prefix
	}
}

// WithForwarderLogger sets the logger. Default: slog.Default().
func WithForwarderLogger(logger *slog.Logger) ForwarderOption {
	return func(f *RedisForwarder) {
		f.logger = logger
	}
}

// NewRedisForwarder creates a forwarder publishing through client.
func NewRedisForwarder(client Publisher, opts ...ForwarderOption) *RedisForwarder {
	f := &RedisForwarder{
		client: client,
		prefix: DefaultChannelPrefix,
		queue:  newQueue(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DialRedis opens a client for addr. The connection is established lazily.
func DialRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Channel returns the pub/sub channel for eventID.
func (f *RedisForwarder) Channel(eventID string) string {
	return f.prefix + eventID
}

// Publish enqueues rec for forwarding. Records published after Stop are
// dropped.
func (f *RedisForwarder) Publish(rec ir.ChangeRecord) {
	if !f.queue.push(rec) {
		f.logger.Warn("change record dropped: forwarder stopped",
			"event_id", rec.EventID,
			"version_id", rec.VersionID)
	}
}

// Run forwards queued records until ctx is cancelled or Stop is called.
// After Stop, records already queued are still delivered.
func (f *RedisForwarder) Run(ctx context.Context) error {
	f.logger.Info("redis forwarder starting", "prefix", f.prefix)

	for {
		if rec, ok := f.queue.tryPop(); ok {
			if err := f.send(ctx, rec); err != nil {
				f.failed.Add(1)
				f.logger.Error("forward change record",
					"event_id", rec.EventID,
					"version_id", rec.VersionID,
					"error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			f.queue.close()
			return ctx.Err()
		case <-f.queue.wait():
			if f.queue.drained() {
				f.logger.Info("redis forwarder stopped")
				return nil
			}
		}
	}
}

// Stop closes the queue; Run returns once it is drained.
func (f *RedisForwarder) Stop() {
	f.queue.close()
}

// Stats returns how many records were forwarded and how many failed.
func (f *RedisForwarder) Stats() (forwarded, failed int64) {
	return f.forwarded.Load(), f.failed.Load()
}

func (f *RedisForwarder) send(ctx context.Context, rec ir.ChangeRecord) error {
	msg, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.Channel(rec.EventID), msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", f.Channel(rec.EventID), err)
	}
	f.forwarded.Add(1)
	return nil
}

// EncodeRecord renders rec as canonical JSON.
func EncodeRecord(rec ir.ChangeRecord) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode change record: %w", err)
	}
	v, err := ir.ParseValue(raw)
	if err != nil {
		return nil, fmt.Errorf("encode change record: %w", err)
	}
	return ir.MarshalCanonical(v)
}
