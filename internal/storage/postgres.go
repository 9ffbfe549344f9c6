package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/phivault/pkg/models"
)

// deleteBatchSize bounds the id set passed to a single DELETE.
const deleteBatchSize = 500

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgxpool connection and returns a ready store.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// --- Audit events ---

const auditColumns = `id, seq, actor_id, action, resource_type, resource_id, fields_accessed,
	phi_field_count, request_method, request_path, client_ip, user_agent,
	success, status_code, risk_score, correlation_id, occurred_at, retention_expiry,
	previous_hash, content_hash`

func (p *PostgresStore) AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO audit_events (id, actor_id, action, resource_type, resource_id, fields_accessed,
			phi_field_count, request_method, request_path, client_ip, user_agent,
			success, status_code, risk_score, correlation_id, occurred_at, retention_expiry,
			previous_hash, content_hash)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING seq`,
		e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, e.FieldsAccessed,
		e.PHIFieldCount, e.RequestMethod, e.RequestPath, e.ClientIP, e.UserAgent,
		e.Success, e.StatusCode, e.RiskScore, e.CorrelationID, e.OccurredAt, e.RetentionExpiry,
		e.PreviousHash, e.ContentHash,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestAuditEvent(ctx context.Context) (*models.AuditEvent, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audit_events ORDER BY seq DESC LIMIT 1`,
	)
	return scanAuditEvent(row)
}

func scanAuditEvent(row pgx.Row) (*models.AuditEvent, error) {
	var e models.AuditEvent
	err := row.Scan(&e.ID, &e.Seq, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &e.FieldsAccessed,
		&e.PHIFieldCount, &e.RequestMethod, &e.RequestPath, &e.ClientIP, &e.UserAgent,
		&e.Success, &e.StatusCode, &e.RiskScore, &e.CorrelationID, &e.OccurredAt, &e.RetentionExpiry,
		&e.PreviousHash, &e.ContentHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (p *PostgresStore) QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + auditColumns + ` FROM audit_events WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.ActorID != "" {
		fmt.Fprintf(&query, ` AND actor_id = $%d`, n)
		args = append(args, filter.ActorID)
		n++
	}
	if filter.Action != "" {
		fmt.Fprintf(&query, ` AND action = $%d`, n)
		args = append(args, filter.Action)
		n++
	}
	if filter.ResourceType != "" {
		fmt.Fprintf(&query, ` AND resource_type = $%d`, n)
		args = append(args, filter.ResourceType)
		n++
	}
	if filter.ResourceID != "" {
		fmt.Fprintf(&query, ` AND resource_id = $%d`, n)
		args = append(args, filter.ResourceID)
		n++
	}
	if filter.MinRiskScore > 0 {
		fmt.Fprintf(&query, ` AND risk_score >= $%d`, n)
		args = append(args, filter.MinRiskScore)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND occurred_at >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	if filter.Until != nil {
		fmt.Fprintf(&query, ` AND occurred_at < $%d`, n)
		args = append(args, filter.Until)
		n++
	}
	query.WriteString(` ORDER BY seq DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func (p *PostgresStore) AuditEventsAsc(ctx context.Context) ([]*models.AuditEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_events ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func (p *PostgresStore) ExpiredAuditEvents(ctx context.Context, asOf time.Time) ([]*models.AuditEvent, error) {
	// Selection compares against the expiry stamped at write time, not a
	// freshly recomputed cutoff, so policy changes never apply
	// retroactively to records already written.
	rows, err := p.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE retention_expiry <= $1 ORDER BY seq ASC`,
		asOf,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAuditEvents(rows)
}

func collectAuditEvents(rows pgx.Rows) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *PostgresStore) DeleteAuditEvents(ctx context.Context, ids []string) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		tag, err := p.pool.Exec(ctx,
			`DELETE FROM audit_events WHERE id = ANY($1::uuid[])`,
			ids[start:end],
		)
		if err != nil {
			return deleted, fmt.Errorf("deleting audit events: %w", err)
		}
		deleted += tag.RowsAffected()
	}
	return deleted, nil
}

func (p *PostgresStore) AuditStats(ctx context.Context, asOf time.Time) (*models.StorageStats, error) {
	var stats models.StorageStats
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        MIN(occurred_at),
		        MAX(occurred_at),
		        COUNT(*) FILTER (WHERE retention_expiry <= $1),
		        COALESCE(pg_total_relation_size('audit_events'), 0)
		 FROM audit_events`,
		asOf,
	).Scan(&stats.TotalEvents, &stats.OldestEvent, &stats.NewestEvent, &stats.ExpiredEvents, &stats.EstimatedBytes)
	if err != nil {
		return nil, fmt.Errorf("computing audit stats: %w", err)
	}
	return &stats, nil
}

// --- Key rotation history ---

func (p *PostgresStore) AppendRotation(ctx context.Context, r *models.RotationRecord) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO key_rotations (key_type, rotated_at, rotated_by)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		r.KeyType, r.RotatedAt, r.RotatedBy,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("inserting rotation record: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestRotation(ctx context.Context, keyType string) (*models.RotationRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, key_type, rotated_at, rotated_by
		 FROM key_rotations WHERE key_type = $1
		 ORDER BY rotated_at DESC LIMIT 1`,
		keyType,
	)
	return scanRotation(row)
}

func (p *PostgresStore) ListRotations(ctx context.Context, keyType string, limit int) ([]*models.RotationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, key_type, rotated_at, rotated_by
		 FROM key_rotations WHERE key_type = $1
		 ORDER BY rotated_at DESC LIMIT $2`,
		keyType, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.RotationRecord
	for rows.Next() {
		r, err := scanRotation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanRotation(row pgx.Row) (*models.RotationRecord, error) {
	var r models.RotationRecord
	err := row.Scan(&r.ID, &r.KeyType, &r.RotatedAt, &r.RotatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}
