package decision

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// insertQuery targets a flat, append-only table: one row per completed
// request, billing fields denormalized onto the row rather than joined, since
// the whole point of routing this through ClickHouse is cheap large-scan
// aggregation over spend and latency, not normalized storage.
const insertQuery = `INSERT INTO gateway_request_logs (
	id, request_id, api_key_id, route_capability, requested_model, stream_requested,
	selected_upstream_id, actual_upstream_id, affinity_hit, affinity_migrated,
	failover_attempt_count, failure_stage, did_send_upstream, final_status,
	billing_model, input_tokens, output_tokens, price_source, final_cost,
	latency_ms, created_at
)`

// ClickHouseSink is the decision log's primary sink, batching each flush
// into a single PrepareBatch/Send round trip rather than one INSERT per row.
type ClickHouseSink struct {
	conn driver.Conn
}

// ClickHouseConfig configures the connection. Addr is host:port pairs for
// the cluster; Database/Username/Password are per-tenant-of-the-gateway
// credentials, not related to API keys the gateway itself issues.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// NewClickHouseSink opens a pooled native-protocol connection. It does not
// ping the server — the first failed Write surfaces any connectivity issue
// through the recorder's fallback logger instead of blocking startup on it.
func NewClickHouseSink(cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decision: open clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// Write inserts one batch as a single round trip.
func (s *ClickHouseSink) Write(ctx context.Context, logs []model.RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("decision: prepare batch: %w", err)
	}

	for _, e := range logs {
		b := e.Billing
		if err := batch.Append(
			e.ID, e.RequestID, e.APIKeyID, string(e.RouteCapability), e.RequestedModel, e.StreamRequested,
			e.SelectedUpstreamID, e.ActualUpstreamID, e.AffinityHit, e.AffinityMigrated,
			e.FailoverAttemptCount, string(e.FailureStage), e.DidSendUpstream, e.FinalStatus,
			b.Model, b.InputTokens, b.OutputTokens, string(b.PriceSource), b.FinalCost.String(),
			e.LatencyMs, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("decision: append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("decision: send batch: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
