// Package rabbitmq implements the message bus abstraction against
// RabbitMQ. Connection and reconnect state is owned by a single manager
// goroutine; callers talk to it through a request mailbox, so concurrent
// error and close notifications can never spawn parallel reconnects.
package rabbitmq

import (
	"context"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/swifttrack/platform/pkg/backoff"
	"github.com/swifttrack/platform/pkg/errors"
	"github.com/swifttrack/platform/pkg/logger"
	"github.com/swifttrack/platform/pkg/messaging"
	"github.com/swifttrack/platform/pkg/metrics"
)

// State is the broker connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds the adapter configuration.
type Config struct {
	URL            string
	ConfirmTimeout time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	Prefetch       int
}

func (c *Config) applyDefaults() {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 32
	}
}

// Bus implements messaging.MessageBus against RabbitMQ.
type Bus struct {
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	dial    DialFunc

	reqs  chan func(*manager)
	state atomic.Int32
}

// Option configures a Bus.
type Option func(*Bus)

// WithDial overrides the dial function. Used in tests.
func WithDial(dial DialFunc) Option {
	return func(b *Bus) {
		if dial != nil {
			b.dial = dial
		}
	}
}

// WithMetrics attaches delivery metrics to the bus.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates the bus and starts its manager goroutine. The bus starts
// disconnected; call Connect before publishing or subscribing.
func New(cfg Config, log *logger.Logger, opts ...Option) *Bus {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Nop()
	}

	b := &Bus{
		cfg:    cfg,
		logger: log,
		dial:   Dial,
		reqs:   make(chan func(*manager), 16),
	}
	for _, opt := range opts {
		opt(b)
	}

	m := &manager{bus: b}
	go m.run()

	return b
}

// State reports the current connection state.
func (b *Bus) State() State {
	return State(b.state.Load())
}

// do runs fn on the manager goroutine and waits for its result.
func (b *Bus) do(ctx context.Context, fn func(m *manager) error) error {
	reply := make(chan error, 1)

	select {
	case b.reqs <- func(m *manager) { reply <- fn(m) }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect establishes the connection, opens the confirm-mode publisher
// channel and replays any recorded topology.
func (b *Bus) Connect(ctx context.Context) error {
	return b.do(ctx, func(m *manager) error {
		if m.state == StateConnected {
			return nil
		}
		m.setState(StateConnecting)
		if err := m.connect(); err != nil {
			m.setState(StateDisconnected)
			return errors.TransientBroker("connect to rabbitmq", err)
		}
		return nil
	})
}

// Disconnect drains nothing on its own: callers stop their consumers and
// in-flight publishes first (cooperative shutdown), then disconnect.
func (b *Bus) Disconnect(ctx context.Context) error {
	return b.do(ctx, func(m *manager) error {
		m.teardown(true)
		m.reconnectCh = nil
		m.setState(StateDisconnected)
		return nil
	})
}

// DeclareExchange declares a durable exchange and records it for
// re-declaration after reconnects.
func (b *Bus) DeclareExchange(ctx context.Context, name string, typ messaging.ExchangeType) error {
	op := topologyOp{kind: opExchange, name: name, exchangeType: typ}
	return b.declare(ctx, op)
}

// DeclareQueue declares a queue and records it.
func (b *Bus) DeclareQueue(ctx context.Context, name string, opts messaging.QueueOptions) error {
	op := topologyOp{kind: opQueue, name: name, queueOpts: opts}
	return b.declare(ctx, op)
}

// BindQueue binds a queue to an exchange and records the binding.
func (b *Bus) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	op := topologyOp{kind: opBinding, name: queue, exchange: exchange, routingKey: routingKey}
	return b.declare(ctx, op)
}

func (b *Bus) declare(ctx context.Context, op topologyOp) error {
	return b.do(ctx, func(m *manager) error {
		m.topology = append(m.topology, op)
		if m.state != StateConnected {
			return errors.TransientBroker("broker not connected", nil)
		}
		return m.applyOp(op)
	})
}

// Publish sends one message and waits for the broker's publisher confirm.
// A nack or a confirm timeout is a failure; the message must be retried.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Message) error {
	return b.do(ctx, func(m *manager) error {
		return m.publish(ctx, exchange, routingKey, msg)
	})
}

// Subscribe registers a manual-ack consumer on the queue. The consumer is
// re-established automatically after reconnects.
func (b *Bus) Subscribe(ctx context.Context, queue string, handler messaging.Handler) error {
	return b.do(ctx, func(m *manager) error {
		sub := &subscription{queue: queue, handler: handler}
		m.subs = append(m.subs, sub)
		if m.state != StateConnected {
			return errors.TransientBroker("broker not connected", nil)
		}
		return m.startSubscription(sub)
	})
}

type opKind int

const (
	opExchange opKind = iota
	opQueue
	opBinding
)

type topologyOp struct {
	kind         opKind
	name         string
	exchangeType messaging.ExchangeType
	queueOpts    messaging.QueueOptions
	exchange     string
	routingKey   string
}

type subscription struct {
	queue   string
	handler messaging.Handler
}

// manager owns connection, channel and state. It runs on exactly one
// goroutine; every access goes through the request mailbox or the close
// notification channels selected in run.
type manager struct {
	bus *Bus

	state    State
	conn     Connection
	ch       Channel
	confirms chan amqp.Confirmation
	// publishes mirrors the channel's delivery-tag counter: the broker
	// confirms publish N with DeliveryTag N. Reset with every new channel.
	publishes uint64

	connClose chan *amqp.Error
	chClose   chan *amqp.Error

	topology []topologyOp
	subs     []*subscription

	consumeCtx    context.Context
	consumeCancel context.CancelFunc

	reconnectCh <-chan time.Time
	attempt     int
}

func (m *manager) run() {
	for {
		select {
		case fn := <-m.bus.reqs:
			fn(m)
		case amqpErr := <-m.connClose:
			m.onBrokenLink(amqpErr)
		case amqpErr := <-m.chClose:
			m.onBrokenLink(amqpErr)
		case <-m.reconnectCh:
			m.tryReconnect()
		}
	}
}

func (m *manager) setState(s State) {
	if m.state == s {
		return
	}

	m.bus.logger.Info("broker state change",
		"from", m.state.String(), "to", s.String())
	m.state = s
	m.bus.state.Store(int32(s))

	if m.bus.metrics != nil {
		m.bus.metrics.BrokerState.Set(float64(s))
	}
}

// connect dials, opens the confirm-mode publisher channel, re-declares the
// recorded topology and restarts registered consumers.
func (m *manager) connect() error {
	conn, err := m.bus.dial(m.bus.cfg.URL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	m.conn = conn
	m.ch = ch
	// Buffered so acks that arrive after a confirm wait gave up never
	// block the broker-side notifier.
	m.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	m.publishes = 0

	for _, op := range m.topology {
		if err := m.applyOp(op); err != nil {
			m.teardown(false)
			return err
		}
	}

	m.consumeCtx, m.consumeCancel = context.WithCancel(context.Background())
	for _, sub := range m.subs {
		if err := m.startSubscription(sub); err != nil {
			m.teardown(false)
			return err
		}
	}

	m.connClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	m.chClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	m.setState(StateConnected)

	return nil
}

// onBrokenLink handles an unexpected connection or channel close. The
// notification channels fire exactly once per link, and reconnect attempts
// are driven by a single timer, so the sequence is single-flight.
func (m *manager) onBrokenLink(amqpErr *amqp.Error) {
	if m.state != StateConnected {
		return
	}
	if amqpErr == nil {
		// Graceful close delivers a nil on the notify channel.
		return
	}

	m.bus.logger.Warn("broker link lost", "reason", amqpErr.Error())
	m.teardown(false)
	m.setState(StateReconnecting)
	m.attempt = 0
	m.reconnectCh = time.After(m.reconnectDelay())
}

func (m *manager) tryReconnect() {
	m.setState(StateConnecting)

	if err := m.connect(); err != nil {
		m.attempt++
		m.bus.logger.Error(err, "broker reconnect failed", "attempt", m.attempt)
		m.setState(StateReconnecting)
		m.reconnectCh = time.After(m.reconnectDelay())
		return
	}

	m.reconnectCh = nil
	m.attempt = 0
	if m.bus.metrics != nil {
		m.bus.metrics.BrokerReconnects.Inc()
	}
	m.bus.logger.Info("broker reconnected")
}

func (m *manager) reconnectDelay() time.Duration {
	delay := backoff.ExponentialWithJitter(m.bus.cfg.ReconnectBase, m.attempt)
	if delay > m.bus.cfg.ReconnectCap {
		delay = m.bus.cfg.ReconnectCap
	}
	if delay <= 0 {
		delay = m.bus.cfg.ReconnectBase
	}
	return delay
}

// teardown releases the current link. Notification channels are nilled
// first so the close events triggered by our own Close calls are not
// mistaken for broken links.
func (m *manager) teardown(graceful bool) {
	m.connClose = nil
	m.chClose = nil
	m.confirms = nil

	if m.consumeCancel != nil {
		m.consumeCancel()
		m.consumeCancel = nil
	}

	if m.ch != nil {
		if graceful {
			_ = m.ch.Close()
		}
		m.ch = nil
	}
	if m.conn != nil {
		if graceful || !m.conn.IsClosed() {
			_ = m.conn.Close()
		}
		m.conn = nil
	}
}
