package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/swifttrack/platform/internal/model"
	"github.com/swifttrack/platform/internal/repository"
	apperrors "github.com/swifttrack/platform/pkg/errors"
	"github.com/swifttrack/platform/pkg/logger"
	"github.com/swifttrack/platform/pkg/messaging"
	"github.com/swifttrack/platform/pkg/metrics"
)

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	Partition    int
	Partitions   int
	// PublishRate caps broker publishes per second. Zero means unlimited.
	PublishRate float64
}

// Relay drains the outbox into the message bus. It claims leased batches,
// publishes in created_at order, and settles every claimed row before the
// lease is released.
type Relay struct {
	repo    repository.OutboxRepository
	bus     messaging.MessageBus
	config  RelayConfig
	limiter *rate.Limiter
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewRelay(
	repo repository.OutboxRepository,
	bus messaging.MessageBus,
	config RelayConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *Relay {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.MaxRetries <= 0 {
		panic("MaxRetries must be greater than 0")
	}
	if config.Partitions <= 0 {
		panic("Partitions must be greater than 0")
	}
	if config.Partition < 0 || config.Partition >= config.Partitions {
		panic("Partition out of range")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.PublishRate), config.BatchSize)
	}

	return &Relay{
		repo:    repo,
		bus:     bus,
		config:  config,
		limiter: limiter,
		logger:  log,
		metrics: m,
	}
}

func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.logger.Info("starting outbox relay",
		"partition", r.config.Partition,
		"partitions", r.config.Partitions,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down outbox relay")
			return
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				r.logger.Error(err, "relay cycle failed")
			}
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) error {
	claim, err := r.repo.ClaimBatch(ctx, r.config.BatchSize, r.config.Partition, r.config.Partitions)
	if err != nil {
		return fmt.Errorf("failed to claim batch: %w", err)
	}
	r.metrics.ClaimBatchSize.Observe(float64(len(claim.Events)))

	// Rows that were neither processed nor failure-marked (shutdown or a
	// skipped aggregate) still hold the lease; clear it so the next poll
	// picks them up without waiting for expiry.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.repo.ReleaseLease(releaseCtx, claim.LeaseToken); err != nil {
			r.logger.Error(err, "failed to release claim lease")
		}
	}()

	// Once one event of an aggregate fails transiently, the rest of that
	// aggregate is skipped for this batch. Publishing them would break
	// per-aggregate ordering on the consumer side.
	failedAggregates := make(map[string]struct{})

	for _, event := range claim.Events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, skip := failedAggregates[event.AggregateID]; skip {
			continue
		}
		if err := r.publishEvent(ctx, event); err != nil {
			failedAggregates[event.AggregateID] = struct{}{}
		}
	}

	if pending, err := r.repo.PendingCount(ctx); err == nil {
		r.metrics.OutboxPending.Set(float64(pending))
	}
	return nil
}

// publishEvent settles the event one way or another. A non-nil return means
// the failure was transient and later events of the same aggregate must be
// held back.
func (r *Relay) publishEvent(ctx context.Context, event *model.OutboxEvent) error {
	exchange, err := messaging.ExchangeFor(event.AggregateType)
	if err != nil {
		r.deadLetter(ctx, event, err)
		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := messaging.Message{
		MessageID:  event.EventID.String(),
		RoutingKey: messaging.RoutingKey(event.AggregateType, event.EventType),
		Body:       event.Payload,
		Timestamp:  event.CreatedAt,
	}

	timer := prometheus.NewTimer(r.metrics.PublishLatency)
	err = r.bus.Publish(ctx, exchange, msg.RoutingKey, msg)
	timer.ObserveDuration()

	if err == nil {
		if err := r.repo.MarkProcessed(ctx, event.EventID); err != nil {
			// The broker has the message; the row will be republished
			// next poll and consumers dedup on message id.
			r.logger.Error(err, "failed to mark event processed",
				"event_id", event.EventID.String())
			return nil
		}
		r.metrics.EventsPublished.Inc()
		return nil
	}

	if apperrors.IsPermanent(err) {
		r.deadLetter(ctx, event, err)
		return nil
	}

	deadLettered, markErr := r.repo.MarkFailed(ctx, event.EventID, err, r.config.MaxRetries)
	if markErr != nil {
		r.logger.Error(markErr, "failed to record publish failure",
			"event_id", event.EventID.String())
	}
	if deadLettered {
		r.metrics.EventsDeadLettered.Inc()
		r.logger.Error(err, "event exhausted retries",
			"event_id", event.EventID.String(),
			"event_type", event.EventType,
		)
	} else {
		r.metrics.EventsFailed.Inc()
		r.metrics.EventRetries.WithLabelValues(event.EventType).Inc()
		r.logger.Warn("publish failed, retry scheduled",
			"event_id", event.EventID.String(),
			"event_type", event.EventType,
			"error", err.Error(),
		)
	}
	return err
}

func (r *Relay) deadLetter(ctx context.Context, event *model.OutboxEvent, cause error) {
	if err := r.repo.DeadLetter(ctx, event.EventID, cause); err != nil {
		r.logger.Error(err, "failed to dead-letter event",
			"event_id", event.EventID.String())
		return
	}
	r.metrics.EventsDeadLettered.Inc()
	r.logger.Error(cause, "event dead-lettered",
		"event_id", event.EventID.String(),
		"event_type", event.EventType,
	)
}
