// Package redis implements the message bus abstraction on Redis pub/sub.
// It is the development-grade broker variant: deliveries are auto-acked
// (Redis pub/sub has no consumer acknowledgment), so it trades the
// at-least-once guarantee for a dependency-free local setup. Production
// deployments select the rabbitmq adapter.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swifttrack/platform/pkg/circuitbreaker"
	"github.com/swifttrack/platform/pkg/errors"
	"github.com/swifttrack/platform/pkg/logger"
	"github.com/swifttrack/platform/pkg/messaging"
)

const channelPrefix = "swifttrack.bus."

type Config struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int
}

type binding struct {
	exchange   string
	routingKey string
}

// Bus implements messaging.MessageBus on Redis pub/sub. Topology is held
// in memory: exchanges map to Redis channels and bindings are evaluated
// on the consumer side with AMQP topic-match semantics.
type Bus struct {
	cfg    Config
	logger *logger.Logger
	cb     *circuitbreaker.CircuitBreaker

	mu        sync.Mutex
	client    *redis.Client
	exchanges map[string]messaging.ExchangeType
	queues    map[string]messaging.QueueOptions
	bindings  map[string][]binding
	cancels   []context.CancelFunc
}

func New(cfg Config, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}

	return &Bus{
		cfg:    cfg,
		logger: log,
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "redis-bus",
			MaxRequests: 100,
			Interval:    10 * time.Second,
			Timeout:     5 * time.Second,
		}),
		exchanges: make(map[string]messaging.ExchangeType),
		queues:    make(map[string]messaging.QueueOptions),
		bindings:  make(map[string][]binding),
	}
}

func (b *Bus) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}

	opts.MaxRetries = b.cfg.MaxRetries
	opts.MinRetryBackoff = b.cfg.RetryBackoff
	opts.PoolSize = b.cfg.PoolSize
	opts.MinIdleConns = b.cfg.MinIdleConns

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.TransientBroker("connect to redis", err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	return nil
}

func (b *Bus) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil

	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *Bus) DeclareExchange(_ context.Context, name string, typ messaging.ExchangeType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = typ
	return nil
}

func (b *Bus) DeclareQueue(_ context.Context, name string, opts messaging.QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = opts
	return nil
}

func (b *Bus) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[queue] = append(b.bindings[queue], binding{exchange: exchange, routingKey: routingKey})
	return nil
}

// Publish marshals the envelope onto the exchange's channel. The circuit
// breaker sheds publishes while Redis is unreachable so the relay fails
// fast and backs off through the outbox retry schedule.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return errors.TransientBroker("redis bus not connected", nil)
	}

	msg.RoutingKey = routingKey
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.PermanentPublish("marshal envelope", err)
	}

	err = b.cb.Execute(func() error {
		return client.Publish(ctx, channelPrefix+exchange, payload).Err()
	})
	if err != nil {
		return errors.TransientBroker("publish to redis", err)
	}
	return nil
}

// Subscribe consumes the queue's bound exchanges, filtering deliveries by
// binding pattern. Ack is a no-op; nack forwards the envelope to the
// queue's dead-letter channel.
func (b *Bus) Subscribe(ctx context.Context, queue string, handler messaging.Handler) error {
	b.mu.Lock()
	client := b.client
	binds := append([]binding(nil), b.bindings[queue]...)
	opts := b.queues[queue]
	b.mu.Unlock()

	if client == nil {
		return errors.TransientBroker("redis bus not connected", nil)
	}
	if len(binds) == 0 {
		return fmt.Errorf("queue %s has no bindings", queue)
	}

	channels := make([]string, 0, len(binds))
	for _, bind := range binds {
		channels = append(channels, channelPrefix+bind.exchange)
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	pubsub := client.Subscribe(subCtx, channels...)
	log := b.logger.WithFields(map[string]interface{}{"queue": queue})

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(subCtx, queue, opts, binds, raw, handler, log)
			}
		}
	}()

	return nil
}

func (b *Bus) dispatch(ctx context.Context, queue string, opts messaging.QueueOptions, binds []binding, raw *redis.Message, handler messaging.Handler, log *logger.Logger) {
	var msg messaging.Message
	if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
		log.Error(err, "malformed envelope dropped")
		return
	}
	if msg.DeliveryCount == 0 {
		msg.DeliveryCount = 1
	}

	exchange := strings.TrimPrefix(raw.Channel, channelPrefix)
	if !b.matches(exchange, msg.RoutingKey, binds) {
		return
	}

	ack := func() error { return nil }
	nack := func() error { return b.deadLetter(ctx, queue, opts, msg) }

	if err := handler(ctx, msg, ack, nack); err != nil {
		log.Error(err, "message handler failed", "message_id", msg.MessageID)
		_ = nack()
	}
}

func (b *Bus) matches(exchange, routingKey string, binds []binding) bool {
	b.mu.Lock()
	typ := b.exchanges[exchange]
	b.mu.Unlock()

	for _, bind := range binds {
		if bind.exchange != exchange {
			continue
		}
		switch typ {
		case messaging.ExchangeFanout, messaging.ExchangeHeaders:
			return true
		case messaging.ExchangeDirect:
			if bind.routingKey == routingKey {
				return true
			}
		default: // topic
			if MatchTopic(bind.routingKey, routingKey) {
				return true
			}
		}
	}
	return false
}

// deadLetter republishes a rejected envelope onto the queue's DLQ channel
// so operators can inspect it, mirroring the DLX routing of the rabbitmq
// adapter.
func (b *Bus) deadLetter(ctx context.Context, queue string, opts messaging.QueueOptions, msg messaging.Message) error {
	if opts.DeadLetterExchange == "" {
		return nil
	}

	routingKey := opts.DeadLetterRoutingKey
	if routingKey == "" {
		routingKey = queue + ".dlq"
	}

	msg.DeliveryCount++
	return b.Publish(ctx, opts.DeadLetterExchange, routingKey, msg)
}

// MatchTopic reports whether an AMQP topic binding pattern matches a
// routing key: words are dot-separated, "*" matches exactly one word and
// "#" matches zero or more words.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		if matchWords(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchWords(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchWords(pattern[1:], key[1:])
	default:
		if len(key) == 0 || pattern[0] != key[0] {
			return false
		}
		return matchWords(pattern[1:], key[1:])
	}
}
