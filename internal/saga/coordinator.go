package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"

	"github.com/swifttrack/platform/internal/model"
	"github.com/swifttrack/platform/internal/repository"
	"github.com/swifttrack/platform/pkg/logger"
	"github.com/swifttrack/platform/pkg/messaging"
	"github.com/swifttrack/platform/pkg/metrics"
)

type CoordinatorConfig struct {
	// DedupTTL bounds how long processed message ids are remembered.
	// Redeliveries arrive within seconds, so an hour is generous.
	DedupTTL time.Duration
	// MutexStripes sets how many lock stripes serialize per-aggregate work.
	MutexStripes int
}

// Coordinator drives the order lifecycle saga. It consumes order events,
// validates each status change against the transition table, and persists
// the saga step together with the outbox events it emits in one
// transaction.
type Coordinator struct {
	sagas   repository.SagaRepository
	outbox  repository.OutboxRepository
	bus     messaging.MessageBus
	config  CoordinatorConfig
	dedup   *cache.Cache
	stripes []sync.Mutex
	alerter Alerter
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(
	sagas repository.SagaRepository,
	outbox repository.OutboxRepository,
	bus messaging.MessageBus,
	config CoordinatorConfig,
	alerter Alerter,
	log *logger.Logger,
	m *metrics.Metrics,
) *Coordinator {
	if config.DedupTTL <= 0 {
		config.DedupTTL = time.Hour
	}
	if config.MutexStripes <= 0 {
		config.MutexStripes = 64
	}

	return &Coordinator{
		sagas:   sagas,
		outbox:  outbox,
		bus:     bus,
		config:  config,
		dedup:   cache.New(config.DedupTTL, 10*time.Minute),
		stripes: make([]sync.Mutex, config.MutexStripes),
		alerter: alerter,
		logger:  log,
		metrics: m,
	}
}

// Start subscribes to the order event stream. The queue carries every
// order.* routing key, including the compensation acknowledgments the
// warehouse integration publishes back as order events.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.bus.Subscribe(ctx, messaging.OrdersUpdatedQueue, c.HandleDelivery)
}

// HandleDelivery processes one delivery. Returning an error makes the
// adapter nack without requeue, routing the delivery to the queue's DLQ.
func (c *Coordinator) HandleDelivery(ctx context.Context, msg messaging.Message, ack messaging.AckFunc, nack messaging.NackFunc) error {
	if _, seen := c.dedup.Get(msg.MessageID); seen {
		c.metrics.DedupHits.Inc()
		c.logger.Debug("duplicate delivery discarded", "message_id", msg.MessageID)
		return ack()
	}

	eventType := strings.TrimPrefix(msg.RoutingKey, model.AggregateOrder+".")

	var err error
	switch eventType {
	case model.EventOrderCreated:
		err = c.handleOrderCreated(ctx, msg)
	case model.EventOrderStatusChanged:
		err = c.handleStatusChanged(ctx, msg)
	case model.EventCompensationApplied:
		err = c.handleCompensationApplied(ctx, msg)
	default:
		// Not a saga input. Settle it so it does not sit in the queue.
		return ack()
	}

	if err != nil {
		c.logger.Error(err, "failed to process order event",
			"message_id", msg.MessageID,
			"routing_key", msg.RoutingKey,
		)
		return err
	}

	c.dedup.SetDefault(msg.MessageID, struct{}{})
	return ack()
}

func (c *Coordinator) handleOrderCreated(ctx context.Context, msg messaging.Message) error {
	var evt model.OrderCreatedEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("decode order created event: %w", err)
	}
	if evt.OrderID == "" {
		return fmt.Errorf("order created event missing order_id")
	}

	unlock := c.lockAggregate(evt.OrderID)
	defer unlock()

	_, err := c.sagas.GetByAggregateID(ctx, evt.OrderID)
	if err == nil {
		// Redelivery of a create we already acted on.
		return nil
	}
	if !errors.Is(err, repository.ErrSagaNotFound) {
		return err
	}

	state := model.NewSagaState(evt.OrderID, model.OrderStatusPlaced)
	return c.sagas.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.sagas.SaveTx(ctx, tx, state); err != nil {
			return err
		}
		return c.appendNotification(ctx, tx, evt.OrderID, model.OrderStatusPlaced)
	})
}

func (c *Coordinator) handleStatusChanged(ctx context.Context, msg messaging.Message) error {
	var evt model.OrderStatusChangedEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("decode status changed event: %w", err)
	}
	if evt.OrderID == "" {
		return fmt.Errorf("status changed event missing order_id")
	}

	unlock := c.lockAggregate(evt.OrderID)
	defer unlock()

	state, err := c.sagas.GetByAggregateID(ctx, evt.OrderID)
	if errors.Is(err, repository.ErrSagaNotFound) {
		// The create event may still be in flight; start from the
		// previous status the producer observed.
		from := evt.PreviousStatus
		if from == "" {
			from = model.OrderStatusPlaced
		}
		state = model.NewSagaState(evt.OrderID, from)
	} else if err != nil {
		return err
	}

	if !state.Lifecycle.Active() {
		c.rejectTransition(ctx, state, evt, "saga already settled")
		return nil
	}

	if err := ValidateTransition(state.CurrentStatus, evt.NewStatus); err != nil {
		c.rejectTransition(ctx, state, evt, err.Error())
		return nil
	}

	from := state.CurrentStatus
	state.Advance(evt.NewStatus, evt.Reason)

	compensate := false
	switch {
	case evt.NewStatus == model.OrderStatusFailed && needsCompensation(from):
		state.Lifecycle = model.SagaCompensating
		compensate = true
	case evt.NewStatus == model.OrderStatusFailed:
		state.Lifecycle = model.SagaFailed
	case evt.NewStatus == model.OrderStatusConfirmed:
		state.Lifecycle = model.SagaCompleted
	}

	err = c.sagas.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := c.sagas.SaveTx(ctx, tx, state); err != nil {
			return err
		}
		if err := c.appendNotification(ctx, tx, evt.OrderID, evt.NewStatus); err != nil {
			return err
		}
		if compensate {
			return c.appendCompensation(ctx, tx, evt.OrderID, evt.Reason)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.metrics.SagaTransitions.WithLabelValues(string(evt.NewStatus)).Inc()
	if compensate {
		c.metrics.SagaCompensations.Inc()
	}
	c.logger.Info("saga transition accepted",
		"order_id", evt.OrderID,
		"from", string(from),
		"to", string(evt.NewStatus),
		"lifecycle", string(state.Lifecycle),
	)
	return nil
}

// handleCompensationApplied settles a compensating saga as failed once the
// warehouse confirms the release. Duplicates and late arrivals are no-ops.
func (c *Coordinator) handleCompensationApplied(ctx context.Context, msg messaging.Message) error {
	var evt model.CompensationAppliedEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return fmt.Errorf("decode compensation applied event: %w", err)
	}
	if evt.OrderID == "" {
		return fmt.Errorf("compensation applied event missing order_id")
	}

	unlock := c.lockAggregate(evt.OrderID)
	defer unlock()

	state, err := c.sagas.GetByAggregateID(ctx, evt.OrderID)
	if errors.Is(err, repository.ErrSagaNotFound) {
		c.logger.Warn("compensation ack for unknown saga", "order_id", evt.OrderID)
		return nil
	}
	if err != nil {
		return err
	}
	if state.Lifecycle != model.SagaCompensating {
		return nil
	}

	state.Lifecycle = model.SagaFailed
	state.UpdatedAt = time.Now().UTC()
	return c.sagas.WithTx(ctx, func(tx *sqlx.Tx) error {
		return c.sagas.SaveTx(ctx, tx, state)
	})
}

func (c *Coordinator) rejectTransition(ctx context.Context, state *model.SagaState, evt model.OrderStatusChangedEvent, reason string) {
	c.metrics.SagaIllegalTransitions.Inc()
	fields := map[string]interface{}{
		"order_id":       evt.OrderID,
		"current_status": string(state.CurrentStatus),
		"new_status":     string(evt.NewStatus),
		"updated_by":     evt.UpdatedBy.ID,
		"reason":         reason,
	}
	c.logger.WithFields(fields).Warn("order transition rejected")
	c.alerter.Alert(ctx, "order transition rejected", fields)
}

func (c *Coordinator) appendNotification(ctx context.Context, tx *sqlx.Tx, orderID string, status model.OrderStatus) error {
	payload := model.OrderNotificationEvent{
		OrderID:   orderID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	event, err := model.NewOutboxEvent(model.AggregateCMS, orderID, model.EventOrderUpdated, payload)
	if err != nil {
		return err
	}
	return c.outbox.AppendTx(ctx, tx, event)
}

// appendCompensation emits the compensating actions: ask the warehouse to
// release reserved inventory and tell customer management the order
// failed. Both are idempotent on the consuming side.
func (c *Coordinator) appendCompensation(ctx context.Context, tx *sqlx.Tx, orderID, reason string) error {
	release, err := model.NewOutboxEvent(model.AggregateWMS, orderID, model.EventInventoryRelease,
		model.InventoryReleaseEvent{
			OrderID:   orderID,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		})
	if err != nil {
		return err
	}
	if err := c.outbox.AppendTx(ctx, tx, release); err != nil {
		return err
	}

	failed, err := model.NewOutboxEvent(model.AggregateCMS, orderID, model.EventOrderFailed,
		model.OrderNotificationEvent{
			OrderID:   orderID,
			Status:    model.OrderStatusFailed,
			Timestamp: time.Now().UTC(),
		})
	if err != nil {
		return err
	}
	return c.outbox.AppendTx(ctx, tx, failed)
}

func (c *Coordinator) lockAggregate(aggregateID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	mu := &c.stripes[h.Sum32()%uint32(len(c.stripes))]
	mu.Lock()
	return mu.Unlock
}
