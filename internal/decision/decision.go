// Package decision implements the Decision Recorder: it assembles a
// model.RoutingDecision into a model.RequestLog and hands it to a Sink over a
// bounded, non-blocking channel, so recording a decision never adds latency
// to the request path. The channel drops the oldest queued entry rather than
// the newest arrival when it fills up, so a prolonged sink outage still
// surfaces recent activity instead of going silent.
package decision

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/model"
)

const (
	channelCapacity = 1024
	batchSize       = 100
	flushInterval   = time.Second
)

// Sink persists a batch of request logs. Implementations must not block
// indefinitely — the recorder calls Write from its own background goroutine,
// but a stuck sink still backs up the channel behind it.
type Sink interface {
	Write(ctx context.Context, logs []model.RequestLog) error
}

// Recorder owns the bounded channel and background flush loop.
type Recorder struct {
	ch   chan model.RequestLog
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	dropped int64

	sink    Sink
	fallback *slog.Logger
	baseCtx context.Context
	metrics *metrics.Registry
}

// New starts a Recorder. fallback receives a warning whenever the sink
// returns an error on flush, and is used directly as a sink of last resort if
// sink is nil. metrics is optional — a nil registry skips drop-counter export.
func New(ctx context.Context, sink Sink, fallback *slog.Logger, reg *metrics.Registry) *Recorder {
	r := &Recorder{
		ch:       make(chan model.RequestLog, channelCapacity),
		done:     make(chan struct{}),
		sink:     sink,
		fallback: fallback,
		baseCtx:  ctx,
		metrics:  reg,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record assembles a RoutingDecision plus its billing snapshot into a log
// entry and enqueues it, never blocking the caller. When the channel is full,
// the oldest queued entry is dropped to make room — a decision recorded now
// is more valuable than one recorded a second ago.
func (r *Recorder) Record(decision model.RoutingDecision, billing model.BillingSnapshot) {
	entry := build(decision, billing)

	select {
	case r.ch <- entry:
		return
	default:
	}

	select {
	case <-r.ch:
		r.recordDrop()
	default:
	}
	select {
	case r.ch <- entry:
	default:
		r.recordDrop()
	}
}

func (r *Recorder) recordDrop() {
	atomic.AddInt64(&r.dropped, 1)
	if r.metrics != nil {
		r.metrics.RecordDecisionLogDropped()
	}
}

// DroppedCount reports how many entries have been evicted to make room for a
// newer one since startup.
func (r *Recorder) DroppedCount() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close flushes any buffered entries and stops the background loop.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}

func build(d model.RoutingDecision, billing model.BillingSnapshot) model.RequestLog {
	return model.RequestLog{
		ID:                   uuid.NewString(),
		RequestID:            d.RequestID,
		APIKeyID:             d.APIKeyID,
		RouteCapability:      d.RouteCapability,
		RequestedModel:       d.RequestedModel,
		StreamRequested:      d.StreamRequested,
		SelectedUpstreamID:   d.SelectedUpstreamID,
		ActualUpstreamID:     d.ActualUpstreamID,
		AffinityHit:          d.AffinityHit,
		AffinityMigrated:     d.AffinityMigrated,
		FailoverAttemptCount: len(d.FailoverAttempts),
		FailureStage:         d.FailureStage,
		DidSendUpstream:      d.DidSendUpstream,
		FinalStatus:          d.FinalStatus,
		Billing:              billing,
		LatencyMs:            uint32(d.Latency.Milliseconds()),
		CreatedAt:            normalizeTime(d.StartedAt),
		RoutingType:          d.RoutingType,
		GroupName:            d.GroupName,
		LBStrategy:           d.SelectionStrategy,
		SessionID:            d.SessionID,
		SessionIDCompensated: d.SessionIDCompensated,
		HeaderDiff:           d.HeaderDiff,
		Excluded:             d.Excluded,
		FailoverHistory:      d.FailoverAttempts,
		RoutingDurationMs:    uint32(d.RoutingDuration.Milliseconds()),
		TTFTMs:               uint32(d.TTFT.Milliseconds()),
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if r.sink != nil {
			if err := r.sink.Write(r.baseCtx, batch); err != nil && r.fallback != nil {
				r.fallback.WarnContext(r.baseCtx, "decision sink write failed, logs lost", slog.Any("error", err), slog.Int("count", len(batch)))
			}
		} else if r.fallback != nil {
			for _, e := range batch {
				logEntry(r.fallback, r.baseCtx, e)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func logEntry(l *slog.Logger, ctx context.Context, e model.RequestLog) {
	l.InfoContext(ctx, "request",
		slog.String("request_id", e.RequestID),
		slog.String("api_key_id", e.APIKeyID),
		slog.String("capability", string(e.RouteCapability)),
		slog.String("model", e.RequestedModel),
		slog.String("selected_upstream", e.SelectedUpstreamID),
		slog.String("actual_upstream", e.ActualUpstreamID),
		slog.Bool("affinity_hit", e.AffinityHit),
		slog.Bool("affinity_migrated", e.AffinityMigrated),
		slog.Int("failover_attempts", e.FailoverAttemptCount),
		slog.String("failure_stage", string(e.FailureStage)),
		slog.Bool("did_send_upstream", e.DidSendUpstream),
		slog.Int("final_status", e.FinalStatus),
		slog.String("final_cost", e.Billing.FinalCost.String()),
		slog.Uint64("latency_ms", uint64(e.LatencyMs)),
		slog.Time("created_at", e.CreatedAt),
	)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
