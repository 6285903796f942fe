package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const usageTableDDL = `
CREATE TABLE IF NOT EXISTS gateway_usage (
	id               String,
	ts               DateTime64(3),
	owner            String,
	requested_model  String,
	actual_model     String,
	input_tokens     Int64,
	output_tokens    Int64,
	total_tokens     Int64,
	cost_usd         Float64,
	latency_ms       Int64,
	success          Bool,
	error_kind       String,
	routing_strategy String,
	endpoint_id      String,
	cache_hit        Bool,
	cache_ttl_ms     Int64
) ENGINE = MergeTree
ORDER BY (owner, ts)`

const insertTimeout = 2 * time.Second

// ClickHouseTracker records usage in a ClickHouse table and answers
// queries/aggregates with server-side SQL. Writes use async inserts so
// LogUsage stays off the request hot path.
type ClickHouseTracker struct {
	conn driver.Conn
	log  *slog.Logger
}

// ClickHouseConfig carries the connection parameters.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseTracker connects, verifies with a ping, and creates the
// usage table when missing.
func NewClickHouseTracker(ctx context.Context, cfg ClickHouseConfig, log *slog.Logger) (*ClickHouseTracker, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, usageTableDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: create usage table: %w", err)
	}

	return &ClickHouseTracker{conn: conn, log: log}, nil
}

// Close releases the connection pool.
func (t *ClickHouseTracker) Close() error {
	return t.conn.Close()
}

// Ready reports whether the backend answers a ping, for readiness probes.
func (t *ClickHouseTracker) Ready(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return t.conn.Ping(pingCtx) == nil
}

// LogUsage inserts rec asynchronously. Insert failures are logged, never
// surfaced — losing an audit row must not fail the originating request.
func (t *ClickHouseTracker) LogUsage(ctx context.Context, rec UsageRecord) {
	insCtx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	err := t.conn.AsyncInsert(insCtx, `
		INSERT INTO gateway_usage (
			id, ts, owner, requested_model, actual_model,
			input_tokens, output_tokens, total_tokens,
			cost_usd, latency_ms, success, error_kind,
			routing_strategy, endpoint_id, cache_hit, cache_ttl_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		false,
		rec.ID, rec.TS, rec.Owner, rec.RequestedModel, rec.ActualModel,
		int64(rec.InputTokens), int64(rec.OutputTokens), int64(rec.TotalTokens),
		rec.CostUSD, rec.LatencyMS, rec.Success, rec.ErrorKind,
		rec.RoutingStrategy, rec.EndpointID, rec.CacheHit, rec.CacheTTL.Milliseconds(),
	)
	if err != nil {
		t.log.Error("usage insert failed",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// whereClause builds the WHERE fragment and its args for f.
func whereClause(f Filter) (string, []any) {
	conds := []string{"1 = 1"}
	var args []any
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if !f.Start.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Start)
	}
	if !f.End.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, f.End)
	}
	if f.EndpointID != "" {
		conds = append(conds, "endpoint_id = ?")
		args = append(args, f.EndpointID)
	}
	if len(f.Models) > 0 {
		conds = append(conds, "(actual_model IN (?) OR requested_model IN (?))")
		args = append(args, f.Models, f.Models)
	}
	return strings.Join(conds, " AND "), args
}

// QueryUsage returns matching records sorted by ts descending.
func (t *ClickHouseTracker) QueryUsage(ctx context.Context, f Filter) ([]UsageRecord, error) {
	where, args := whereClause(f)
	q := `
		SELECT id, ts, owner, requested_model, actual_model,
		       input_tokens, output_tokens, total_tokens,
		       cost_usd, latency_ms, success, error_kind,
		       routing_strategy, endpoint_id, cache_hit, cache_ttl_ms
		FROM gateway_usage
		WHERE ` + where + `
		ORDER BY ts DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	} else if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := t.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics: query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var in, outTok, total, ttlMS int64
		if err := rows.Scan(
			&rec.ID, &rec.TS, &rec.Owner, &rec.RequestedModel, &rec.ActualModel,
			&in, &outTok, &total,
			&rec.CostUSD, &rec.LatencyMS, &rec.Success, &rec.ErrorKind,
			&rec.RoutingStrategy, &rec.EndpointID, &rec.CacheHit, &ttlMS,
		); err != nil {
			return nil, fmt.Errorf("analytics: scan usage row: %w", err)
		}
		rec.InputTokens = int(in)
		rec.OutputTokens = int(outTok)
		rec.TotalTokens = int(total)
		rec.CacheTTL = time.Duration(ttlMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetMetrics computes the aggregate view server-side.
func (t *ClickHouseTracker) GetMetrics(ctx context.Context, f Filter) (*Metrics, error) {
	where, args := whereClause(f)

	var (
		total, ok, failed, fallbacks, cacheHits uint64
		inTok, outTok, totalTok                 int64
		cost, avgLatency                        float64
	)
	row := t.conn.QueryRow(ctx, `
		SELECT count(),
		       countIf(success),
		       countIf(NOT success),
		       sum(input_tokens),
		       sum(output_tokens),
		       sum(total_tokens),
		       sum(cost_usd),
		       if(count() > 0, avg(latency_ms), 0),
		       countIf(actual_model != requested_model AND actual_model != '' AND requested_model != ''),
		       countIf(cache_hit)
		FROM gateway_usage
		WHERE `+where, args...)
	if err := row.Scan(&total, &ok, &failed, &inTok, &outTok, &totalTok, &cost, &avgLatency, &fallbacks, &cacheHits); err != nil {
		return nil, fmt.Errorf("analytics: aggregate metrics: %w", err)
	}

	m := &Metrics{
		TotalRequests:    int(total),
		Successful:       int(ok),
		Failed:           int(failed),
		InputTokens:      int(inTok),
		OutputTokens:     int(outTok),
		TotalTokens:      int(totalTok),
		TotalCostUSD:     cost,
		AverageLatencyMS: avgLatency,
		PerModel:         make(map[string]int),
		Fallbacks:        int(fallbacks),
		CacheHits:        int(cacheHits),
	}

	rows, err := t.conn.Query(ctx, `
		SELECT actual_model, count()
		FROM gateway_usage
		WHERE `+where+` AND actual_model != ''
		GROUP BY actual_model`, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics: per-model counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var n uint64
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("analytics: scan per-model row: %w", err)
		}
		m.PerModel[model] = int(n)
	}
	return m, rows.Err()
}

var _ Tracker = (*ClickHouseTracker)(nil)
