package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/storage"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 10
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.Consumer, r.Network,
			r.Methods, r.CU, r.StatusCode, r.LatencyMs,
			r.RequestID, boolToInt(r.WebSocket),
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, consumer, network, methods, cu, status_code, latency_ms,
		 request_id, websocket, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumCU returns the total CU a consumer has accrued since the given
// instant, for reconciling the Redis cycle counter.
func (s *Store) SumCU(ctx context.Context, consumer string, since time.Time) (int64, error) {
	var total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cu), 0) FROM usage_records
		 WHERE consumer = ? AND created_at >= ?`,
		consumer, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	return total, err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]gateway.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, consumer, network, methods, cu, status_code,
		latency_ms, request_id, websocket, created_at
		FROM usage_records` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var ws int
		var createdAt string
		err := rows.Scan(
			&r.ID, &r.Consumer, &r.Network, &r.Methods, &r.CU,
			&r.StatusCode, &r.LatencyMs, &r.RequestID, &ws, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.WebSocket = ws != 0
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneUsage deletes records created before the cutoff and returns the
// number removed.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_records WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func usageWhere(f storage.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Consumer != "" {
		clauses = append(clauses, "consumer = ?")
		args = append(args, f.Consumer)
	}
	if f.Network != "" {
		clauses = append(clauses, "network = ?")
		args = append(args, f.Network)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
