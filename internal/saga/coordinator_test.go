package saga

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swifttrack/platform/internal/model"
	"github.com/swifttrack/platform/internal/repository"
	"github.com/swifttrack/platform/pkg/logger"
	"github.com/swifttrack/platform/pkg/messaging"
	"github.com/swifttrack/platform/pkg/metrics"
)

type memSagaRepo struct {
	mu     sync.Mutex
	states map[string]model.SagaState
}

func newMemSagaRepo() *memSagaRepo {
	return &memSagaRepo{states: make(map[string]model.SagaState)}
}

func (r *memSagaRepo) GetByAggregateID(_ context.Context, aggregateID string) (*model.SagaState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[aggregateID]
	if !ok {
		return nil, repository.ErrSagaNotFound
	}
	copied := state
	return &copied, nil
}

func (r *memSagaRepo) SaveTx(_ context.Context, _ *sqlx.Tx, state *model.SagaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.AggregateID] = *state
	return nil
}

func (r *memSagaRepo) WithTx(_ context.Context, fn func(*sqlx.Tx) error) error {
	return fn(nil)
}

type memOutbox struct {
	mu       sync.Mutex
	appended []*model.OutboxEvent
}

func (o *memOutbox) AppendTx(_ context.Context, _ *sqlx.Tx, event *model.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appended = append(o.appended, event)
	return nil
}

func (o *memOutbox) ClaimBatch(context.Context, int, int, int) (*repository.Claim, error) {
	return &repository.Claim{}, nil
}
func (o *memOutbox) MarkProcessed(context.Context, uuid.UUID) error { return nil }
func (o *memOutbox) MarkFailed(context.Context, uuid.UUID, error, int) (bool, error) {
	return false, nil
}
func (o *memOutbox) DeadLetter(context.Context, uuid.UUID, error) error  { return nil }
func (o *memOutbox) ReleaseLease(context.Context, uuid.UUID) error       { return nil }
func (o *memOutbox) PendingCount(context.Context) (int64, error)         { return 0, nil }
func (o *memOutbox) WithTx(_ context.Context, fn func(*sqlx.Tx) error) error {
	return fn(nil)
}
func (o *memOutbox) ArchiveProcessedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (o *memOutbox) eventTypes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	types := make([]string, 0, len(o.appended))
	for _, e := range o.appended {
		types = append(types, e.EventType)
	}
	return types
}

type recordingAlerter struct {
	mu        sync.Mutex
	summaries []string
}

func (a *recordingAlerter) Alert(_ context.Context, summary string, _ map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = append(a.summaries, summary)
}

type settleRecorder struct {
	acked  bool
	nacked bool
}

func (s *settleRecorder) ack() error  { s.acked = true; return nil }
func (s *settleRecorder) nack() error { s.nacked = true; return nil }

type coordFixture struct {
	coord   *Coordinator
	sagas   *memSagaRepo
	outbox  *memOutbox
	alerter *recordingAlerter
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	sagas := newMemSagaRepo()
	outbox := &memOutbox{}
	alerter := &recordingAlerter{}
	coord := NewCoordinator(sagas, outbox, nil, CoordinatorConfig{},
		alerter, logger.Nop(), metrics.New("test", "saga", prometheus.NewRegistry()))
	return &coordFixture{coord: coord, sagas: sagas, outbox: outbox, alerter: alerter}
}

func orderMessage(t *testing.T, eventType string, payload interface{}) messaging.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return messaging.Message{
		MessageID:  uuid.NewString(),
		RoutingKey: messaging.RoutingKey(model.AggregateOrder, eventType),
		Body:       body,
		Timestamp:  time.Now().UTC(),
	}
}

func statusChanged(t *testing.T, orderID string, from, to model.OrderStatus) messaging.Message {
	t.Helper()
	return orderMessage(t, model.EventOrderStatusChanged, model.OrderStatusChangedEvent{
		OrderID:        orderID,
		PreviousStatus: from,
		NewStatus:      to,
		UpdatedBy:      model.Actor{ID: "drv-7", Type: "driver"},
		Timestamp:      time.Now().UTC(),
	})
}

func TestCoordinatorStartsSagaOnOrderCreated(t *testing.T) {
	f := newCoordFixture(t)
	msg := orderMessage(t, model.EventOrderCreated, model.OrderCreatedEvent{
		OrderID: "ord-1", UserID: "usr-1", Amount: 42.5,
	})
	s := &settleRecorder{}

	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s.ack, s.nack))

	assert.True(t, s.acked)
	state, err := f.sagas.GetByAggregateID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPlaced, state.CurrentStatus)
	assert.Equal(t, model.SagaRunning, state.Lifecycle)
	assert.Equal(t, []string{model.EventOrderUpdated}, f.outbox.eventTypes())
}

func TestCoordinatorAdvancesOnLegalTransition(t *testing.T) {
	f := newCoordFixture(t)
	seed := model.NewSagaState("ord-1", model.OrderStatusPlaced)
	require.NoError(t, f.sagas.SaveTx(context.Background(), nil, seed))

	s := &settleRecorder{}
	msg := statusChanged(t, "ord-1", model.OrderStatusPlaced, model.OrderStatusAtWarehouse)
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s.ack, s.nack))

	assert.True(t, s.acked)
	state, err := f.sagas.GetByAggregateID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusAtWarehouse, state.CurrentStatus)
	assert.Len(t, state.StepHistory, 2)
	assert.Equal(t, []string{model.EventOrderUpdated}, f.outbox.eventTypes())
}

func TestCoordinatorRejectsIllegalTransition(t *testing.T) {
	f := newCoordFixture(t)
	seed := model.NewSagaState("ord-1", model.OrderStatusPlaced)
	require.NoError(t, f.sagas.SaveTx(context.Background(), nil, seed))

	s := &settleRecorder{}
	msg := statusChanged(t, "ord-1", model.OrderStatusPlaced, model.OrderStatusPicked)
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s.ack, s.nack))

	// Rejected events are settled, not requeued, and change nothing.
	assert.True(t, s.acked)
	state, err := f.sagas.GetByAggregateID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPlaced, state.CurrentStatus)
	assert.Empty(t, f.outbox.eventTypes())
	assert.Equal(t, []string{"order transition rejected"}, f.alerter.summaries)
}

func TestCoordinatorDedupsByMessageID(t *testing.T) {
	f := newCoordFixture(t)
	seed := model.NewSagaState("ord-1", model.OrderStatusPlaced)
	require.NoError(t, f.sagas.SaveTx(context.Background(), nil, seed))

	msg := statusChanged(t, "ord-1", model.OrderStatusPlaced, model.OrderStatusAtWarehouse)
	s1 := &settleRecorder{}
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s1.ack, s1.nack))

	s2 := &settleRecorder{}
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s2.ack, s2.nack))

	assert.True(t, s2.acked)
	assert.Len(t, f.outbox.eventTypes(), 1)
	state, err := f.sagas.GetByAggregateID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Len(t, state.StepHistory, 2)
}

func TestCoordinatorCompensatesFailureAfterPickup(t *testing.T) {
	f := newCoordFixture(t)
	seed := model.NewSagaState("ord-1", model.OrderStatusPlaced)
	seed.Advance(model.OrderStatusAtWarehouse, "")
	seed.Advance(model.OrderStatusPicked, "")
	require.NoError(t, f.sagas.SaveTx(context.Background(), nil, seed))

	s := &settleRecorder{}
	msg := statusChanged(t, "ord-1", model.OrderStatusPicked, model.OrderStatusFailed)
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s.ack, s.nack))

	state, err := f.sagas.GetByAggregateID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, state.CurrentStatus)
	assert.Equal(t, model.SagaCompensating, state.Lifecycle)
	assert.Equal(t, []string{
		model.EventOrderUpdated,
		model.EventInventoryRelease,
		model.EventOrderFailed,
	}, f.outbox.eventTypes())

	// The release goes to the warehouse, the failure notice to cms.
	assert.Equal(t, model.AggregateWMS, f.outbox.appended[1].AggregateType)
	assert.Equal(t, model.AggregateCMS, f.outbox.appended[2].AggregateType)
}

func TestCoordinatorFailsWithoutCompensationBeforePickup(t *testing.T) {
	f := newCoordFixture(t)
	seed := model.NewSagaState("ord-1", model.OrderStatusPlaced)
	require.NoError(t, f.sagas.SaveTx(context.Background(), nil, seed))

	s := &settleRecorder{}
	msg := statusChanged(t, "ord-1", model.OrderStatusPlaced, model.OrderStatusFailed)
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s.ack, s.nack))

	state, err := f.sagas.GetByAggregateID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.SagaFailed, state.Lifecycle)
	assert.Equal(t, []string{model.EventOrderUpdated}, f.outbox.eventTypes())
}

func TestCompensationAppliedSettlesSaga(t *testing.T) {
	f := newCoordFixture(t)
	seed := model.NewSagaState("ord-1", model.OrderStatusPlaced)
	seed.Advance(model.OrderStatusAtWarehouse, "")
	seed.Advance(model.OrderStatusPicked, "")
	seed.Advance(model.OrderStatusFailed, "driver unreachable")
	seed.Lifecycle = model.SagaCompensating
	require.NoError(t, f.sagas.SaveTx(context.Background(), nil, seed))

	s := &settleRecorder{}
	msg := orderMessage(t, model.EventCompensationApplied, model.CompensationAppliedEvent{
		OrderID: "ord-1", Action: "inventory_release",
	})
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s.ack, s.nack))

	assert.True(t, s.acked)
	state, err := f.sagas.GetByAggregateID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.SagaFailed, state.Lifecycle)
}

func TestCoordinatorCreatesSagaFromPreviousStatus(t *testing.T) {
	f := newCoordFixture(t)

	s := &settleRecorder{}
	msg := statusChanged(t, "ord-9", model.OrderStatusAtWarehouse, model.OrderStatusPicked)
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s.ack, s.nack))

	state, err := f.sagas.GetByAggregateID(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPicked, state.CurrentStatus)
	assert.Equal(t, model.SagaRunning, state.Lifecycle)
}

func TestCoordinatorSettledSagaRejectsFurtherEvents(t *testing.T) {
	f := newCoordFixture(t)
	seed := model.NewSagaState("ord-1", model.OrderStatusPlaced)
	seed.Advance(model.OrderStatusFailed, "payment declined")
	seed.Lifecycle = model.SagaFailed
	require.NoError(t, f.sagas.SaveTx(context.Background(), nil, seed))

	s := &settleRecorder{}
	msg := statusChanged(t, "ord-1", model.OrderStatusFailed, model.OrderStatusAtWarehouse)
	require.NoError(t, f.coord.HandleDelivery(context.Background(), msg, s.ack, s.nack))

	assert.True(t, s.acked)
	assert.Empty(t, f.outbox.eventTypes())
	assert.Len(t, f.alerter.summaries, 1)
}
