package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coedit/internal/ir"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]string
	failFor  string
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	p.mu.Lock()
	defer p.mu.Unlock()
	if channel == p.failFor {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	if p.messages == nil {
		p.messages = map[string][]string{}
	}
	p.messages[channel] = append(p.messages[channel], string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func (p *fakePublisher) on(channel string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages[channel]...)
}

func TestEncodeRecordIsCanonical(t *testing.T) {
	rec := record("ev-1", 2)
	rec.Parents = []string{"p1"}
	rec.Summary.Changes = []ir.FieldChange{{Field: "title", Old: ir.String("A"), New: ir.String("B")}}

	got, err := EncodeRecord(rec)
	require.NoError(t, err)
	assert.Equal(t,
		`{"event_id":"ev-1","parents":["p1"],"seq":2,"summary":{"author":"alice","changes":[{"field":"title","new":"B","old":"A"}],"kind":"update","timestamp":"2026-03-01T09:00:00Z"},"version_id":"ev-1-v2"}`,
		string(got))
}

func TestForwarderDeliversInOrder(t *testing.T) {
	pub := &fakePublisher{}
	f := NewRedisForwarder(pub, WithChannelPrefix("test:"))

	f.Publish(record("ev-1", 1))
	f.Publish(record("ev-2", 1))
	f.Publish(record("ev-1", 2))
	f.Stop()

	require.NoError(t, f.Run(context.Background()))

	ev1 := pub.on("test:ev-1")
	require.Len(t, ev1, 2)
	assert.Contains(t, ev1[0], `"seq":1`)
	assert.Contains(t, ev1[1], `"seq":2`)
	assert.Len(t, pub.on("test:ev-2"), 1)

	forwarded, failed := f.Stats()
	assert.Equal(t, int64(3), forwarded)
	assert.Zero(t, failed)
}

func TestForwarderContinuesAfterFailure(t *testing.T) {
	pub := &fakePublisher{failFor: DefaultChannelPrefix + "bad"}
	f := NewRedisForwarder(pub)

	f.Publish(record("bad", 1))
	f.Publish(record("good", 1))
	f.Stop()
	require.NoError(t, f.Run(context.Background()))

	assert.Len(t, pub.on(f.Channel("good")), 1)
	forwarded, failed := f.Stats()
	assert.Equal(t, int64(1), forwarded)
	assert.Equal(t, int64(1), failed)
}

func TestForwarderStopsOnCancel(t *testing.T) {
	f := NewRedisForwarder(&fakePublisher{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	f.Publish(record("ev-1", 1))
	forwarded, _ := f.Stats()
	assert.Zero(t, forwarded)
}

// TestForwarderRedisIntegration requires a running Redis on localhost.
func TestForwarderRedisIntegration(t *testing.T) {
	client := DialRedis("localhost:6379", "", 0)
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available")
	}

	f := NewRedisForwarder(client, WithChannelPrefix("coedit-test:"))
	sub := client.Subscribe(ctx, f.Channel("ev-1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	f.Publish(record("ev-1", 1))
	f.Stop()
	require.NoError(t, f.Run(ctx))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"event_id":"ev-1"`)
}

func TestForwarderKeepsRunningAcrossWakeups(t *testing.T) {
	pub := &fakePublisher{}
	f := NewRedisForwarder(pub)

	f.Publish(record("ev-1", 1))

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		forwarded, _ := f.Stats()
		return forwarded == 1
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("Run returned before Stop: %v", err)
	default:
	}

	f.Publish(record("ev-1", 2))
	f.Publish(record("ev-1", 3))
	require.Eventually(t, func() bool {
		forwarded, _ := f.Stats()
		return forwarded == 3
	}, 2*time.Second, 5*time.Millisecond)

	f.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.Len(t, pub.on(f.Channel("ev-1")), 3)
	_, failed := f.Stats()
	assert.Zero(t, failed)
}
