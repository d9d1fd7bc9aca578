package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultQueueSize      = 1024
)

type outgoing struct {
	channel string
	event   string
	body    []byte
}

// RedisPublisher sends events over Redis pub/sub. Publish only enqueues; a
// single worker delivers the queue in order, so events on a channel reach
// Redis in the order they were published.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  zerolog.Logger

	queue   chan outgoing
	stopped chan struct{}

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(redisURL, prefix string, logger zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, prefix, logger), nil
}

func NewRedisPublisherWithClient(client *redis.Client, prefix string, logger zerolog.Logger) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		prefix:  prefix,
		timeout: defaultPublishTimeout,
		logger:  logger.With().Str("component", "notify").Logger(),
		queue:   make(chan outgoing, defaultQueueSize),
		stopped: make(chan struct{}),
	}
	p.idle = sync.NewCond(&p.mu)
	go p.deliver()
	return p
}

// SetTimeout bounds each delivery attempt.
func (p *RedisPublisher) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		p.mu.Lock()
		p.timeout = timeout
		p.mu.Unlock()
	}
}

func (p *RedisPublisher) channel(name string) string {
	return p.prefix + name
}

// Publish enqueues the event. When the queue is full or the publisher is
// closed the event is dropped and logged.
func (p *RedisPublisher) Publish(_ context.Context, channel, event string, payload any) {
	body, err := encodeEnvelope(event, payload)
	if err != nil {
		p.logger.Warn().Err(err).Str("channel", channel).Str("event", event).Msg("encode event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn().Str("channel", channel).Str("event", event).Msg("publisher closed, event dropped")
		return
	}
	select {
	case p.queue <- outgoing{channel: channel, event: event, body: body}:
		p.pending++
	default:
		p.logger.Warn().Str("channel", channel).Str("event", event).Msg("publish queue full, event dropped")
	}
}

func (p *RedisPublisher) deliver() {
	defer close(p.stopped)
	for msg := range p.queue {
		p.mu.Lock()
		timeout := p.timeout
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := p.client.Publish(ctx, p.channel(msg.channel), msg.body).Err(); err != nil {
			p.logger.Warn().Err(err).Str("channel", msg.channel).Str("event", msg.event).Msg("publish event")
		}
		cancel()

		p.mu.Lock()
		p.pending--
		if p.pending == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

// Subscribe opens a subscription on the given unprefixed channels.
func (p *RedisPublisher) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	prefixed := make([]string, 0, len(channels))
	for _, ch := range channels {
		prefixed = append(prefixed, p.channel(ch))
	}
	return p.client.Subscribe(ctx, prefixed...)
}

// Flush waits until every queued event has been delivered or has failed.
func (p *RedisPublisher) Flush() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close drains the queue, stops the worker and closes the client.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.stopped
	return p.client.Close()
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw, PublishedAt: time.Now().UTC()})
}

// DecodeEnvelope parses a message received from a subscription.
func DecodeEnvelope(message string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(message), &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
