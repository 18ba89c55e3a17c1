package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier wakes idle workers when work is enqueued. It is purely an
// acceleration: correctness never depends on a wake arriving, since workers
// also poll on an interval.
type Notifier interface {
	// Wake signals that a job was enqueued. Never blocks.
	Wake(ctx context.Context)

	// Wait blocks until a wake arrives, the poll interval elapses, or ctx
	// is done.
	Wait(ctx context.Context, pollInterval time.Duration)
}

// DirectNotifier is the in-process notifier used when the gateway and
// workers share one process.
type DirectNotifier struct {
	ch chan struct{}
}

// NewDirectNotifier creates an in-process notifier.
func NewDirectNotifier() *DirectNotifier {
	return &DirectNotifier{ch: make(chan struct{}, 1)}
}

// Wake implements Notifier. A pending wake coalesces with new ones.
func (n *DirectNotifier) Wake(context.Context) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait implements Notifier.
func (n *DirectNotifier) Wait(ctx context.Context, pollInterval time.Duration) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-n.ch:
	case <-timer.C:
	}
}

// RedisNotifier carries wake signals over Redis pub/sub so standalone worker
// processes hear enqueues from gateway processes.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	local   *DirectNotifier
	logger  *slog.Logger
}

// NewRedisNotifier creates a notifier publishing and subscribing on the
// given channel. The subscription loop runs until ctx is done.
func NewRedisNotifier(ctx context.Context, addr string, db int, channel string, logger *slog.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	n := &RedisNotifier{
		client:  client,
		channel: channel,
		local:   NewDirectNotifier(),
		logger:  logger,
	}

	sub := client.Subscribe(ctx, channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				n.local.Wake(ctx)
			}
		}
	}()

	return n, nil
}

// Wake implements Notifier.
func (n *RedisNotifier) Wake(ctx context.Context) {
	if err := n.client.Publish(ctx, n.channel, "1").Err(); err != nil {
		n.logger.Warn("failed to publish job wake signal",
			slog.String("error", err.Error()))
	}
}

// Wait implements Notifier.
func (n *RedisNotifier) Wait(ctx context.Context, pollInterval time.Duration) {
	n.local.Wait(ctx, pollInterval)
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
