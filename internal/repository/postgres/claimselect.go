package postgres

import (
	"sort"
	"time"

	"github.com/swifttrack/platform/internal/model"
)

// This file mirrors the eligibility and ordering rules of the ClaimBatch
// query in a form that can be exercised without a database. The SQL in
// outbox.go is authoritative; keep the two in sync. The partition filter
// (hashtext) is Postgres-specific and is not mirrored here.

// eventDue reports whether the event itself is claimable at now,
// ignoring its siblings: unsettled, retry due, no active lease.
func eventDue(e *model.OutboxEvent, now time.Time) bool {
	if e.Processed || e.DeadLettered {
		return false
	}
	if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
		return false
	}
	if e.LeaseExpiresAt != nil && !e.LeaseExpiresAt.Before(now) {
		return false
	}
	return true
}

// eventBefore orders events the way the claim query does, by
// (created_at, id).
func eventBefore(a, b *model.OutboxEvent) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// selectClaimable applies the full ClaimBatch selection to rows: an
// event is claimed only when it is due and no older unsettled event
// exists for its aggregate, so an aggregate blocked at its head
// contributes nothing. Results come back in (created_at, id) order,
// capped at limit.
func selectClaimable(rows []*model.OutboxEvent, limit int, now time.Time) []*model.OutboxEvent {
	var out []*model.OutboxEvent
	for _, e := range rows {
		if !eventDue(e, now) {
			continue
		}
		if olderUnsettledSibling(rows, e) {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return eventBefore(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func olderUnsettledSibling(rows []*model.OutboxEvent, e *model.OutboxEvent) bool {
	for _, prior := range rows {
		if prior.AggregateID != e.AggregateID || prior.Processed || prior.DeadLettered {
			continue
		}
		if eventBefore(prior, e) {
			return true
		}
	}
	return false
}
