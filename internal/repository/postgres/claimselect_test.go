package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swifttrack/platform/internal/model"
)

func pendingEvent(id int64, aggregateID string, createdAt time.Time) *model.OutboxEvent {
	return &model.OutboxEvent{
		ID:            id,
		EventType:     "order.status_changed",
		AggregateID:   aggregateID,
		AggregateType: "order",
		CreatedAt:     createdAt,
	}
}

func eventIDs(events []*model.OutboxEvent) []int64 {
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestEventDue(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name  string
		tweak func(*model.OutboxEvent)
		due   bool
	}{
		{"fresh pending row", func(*model.OutboxEvent) {}, true},
		{"already processed", func(e *model.OutboxEvent) { e.Processed = true }, false},
		{"dead lettered", func(e *model.OutboxEvent) { e.DeadLettered = true }, false},
		{"retry scheduled for later", func(e *model.OutboxEvent) { e.NextRetryAt = &future }, false},
		{"retry due", func(e *model.OutboxEvent) { e.NextRetryAt = &past }, true},
		{"lease still held", func(e *model.OutboxEvent) { e.LeaseExpiresAt = &future }, false},
		{"lease expired", func(e *model.OutboxEvent) { e.LeaseExpiresAt = &past }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := pendingEvent(1, "ORD-1", past)
			tt.tweak(e)
			assert.Equal(t, tt.due, eventDue(e, now))
		})
	}
}

func TestSelectClaimableOrdersByCreationAndCapsAtLimit(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Minute)

	var rows []*model.OutboxEvent
	for i := 0; i < 15; i++ {
		e := pendingEvent(int64(i+1), "ORD-"+string(rune('A'+i)), now.Add(time.Duration(i)*time.Second-time.Hour))
		// Every third row is waiting out a retry backoff.
		if i%3 == 2 {
			e.NextRetryAt = &future
		}
		rows = append(rows, e)
	}

	claimed := selectClaimable(rows, 8, now)

	require.Len(t, claimed, 8)
	assert.Equal(t, []int64{1, 2, 4, 5, 7, 8, 10, 11}, eventIDs(claimed))
}

func TestSelectClaimableTieBreaksOnID(t *testing.T) {
	now := time.Now().UTC()
	created := now.Add(-time.Hour)

	rows := []*model.OutboxEvent{
		pendingEvent(7, "ORD-7", created),
		pendingEvent(3, "ORD-3", created),
		pendingEvent(5, "ORD-5", created),
	}

	assert.Equal(t, []int64{3, 5, 7}, eventIDs(selectClaimable(rows, 10, now)))
}

// An aggregate whose oldest event is waiting out a retry backoff must
// not leak its later events into a claim, or a second poll would
// publish the aggregate out of order. Once the backoff elapses the
// whole sequence comes back in creation order.
func TestSelectClaimableHoldsBackAggregateDuringBackoff(t *testing.T) {
	now := time.Now().UTC()
	retryAt := now.Add(30 * time.Second)

	first := pendingEvent(1, "ORD-1", now.Add(-3*time.Minute))
	first.RetryCount = 1
	first.NextRetryAt = &retryAt
	second := pendingEvent(2, "ORD-1", now.Add(-2*time.Minute))
	other := pendingEvent(3, "ORD-2", now.Add(-time.Minute))

	rows := []*model.OutboxEvent{first, second, other}

	// While the head of ORD-1 is backing off, only ORD-2 is claimable.
	assert.Equal(t, []int64{3}, eventIDs(selectClaimable(rows, 10, now)))

	// After the backoff the aggregate is released head first.
	later := retryAt.Add(time.Second)
	assert.Equal(t, []int64{1, 2, 3}, eventIDs(selectClaimable(rows, 10, later)))
}

func TestSelectClaimableBlocksBehindActiveLease(t *testing.T) {
	now := time.Now().UTC()
	leaseUntil := now.Add(time.Minute)

	held := pendingEvent(1, "ORD-1", now.Add(-2*time.Minute))
	held.LeaseExpiresAt = &leaseUntil
	next := pendingEvent(2, "ORD-1", now.Add(-time.Minute))

	rows := []*model.OutboxEvent{held, next}

	// Another relay holds the head of the aggregate.
	assert.Empty(t, selectClaimable(rows, 10, now))

	// A crashed relay's lease expires and both rows become claimable.
	afterExpiry := leaseUntil.Add(time.Second)
	assert.Equal(t, []int64{1, 2}, eventIDs(selectClaimable(rows, 10, afterExpiry)))
}

func TestSelectClaimableIgnoresSettledSiblings(t *testing.T) {
	now := time.Now().UTC()

	done := pendingEvent(1, "ORD-1", now.Add(-3*time.Minute))
	done.Processed = true
	dead := pendingEvent(2, "ORD-1", now.Add(-2*time.Minute))
	dead.DeadLettered = true
	pending := pendingEvent(3, "ORD-1", now.Add(-time.Minute))

	rows := []*model.OutboxEvent{done, dead, pending}

	assert.Equal(t, []int64{3}, eventIDs(selectClaimable(rows, 10, now)))
}
