// Package pgsql implements a webhook dispatcher storage backend using PostgreSQL.
package pgsql

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/webhook"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema contains the PostgreSQL schema for the dispatcher storage.
//
//go:embed schema.sql
var Schema string

// PgSQLStorage implements a storage.AllStorage using PostgreSQL.
type PgSQLStorage struct {
	pool *pgxpool.Pool
}

type config struct {
	dsn  string
	pool *pgxpool.Pool
}

// Option allows configuring a PgSQLStorage.
type Option func(*config)

// WithDSN sets the PostgreSQL connection string.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithPool sets a custom connection pool for the storage.
// If set, the DSN passed via WithDSN is ignored.
func WithPool(pool *pgxpool.Pool) Option {
	return func(c *config) {
		c.pool = pool
	}
}

// New creates and returns a new PgSQLStorage.
func New(ctx context.Context, opts ...Option) (*PgSQLStorage, error) {
	cfg := new(config)
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.pool == nil {
		poolConfig, err := pgxpool.ParseConfig(cfg.dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing database config: %w", err)
		}
		if cfg.pool, err = pgxpool.NewWithConfig(ctx, poolConfig); err != nil {
			return nil, fmt.Errorf("creating connection pool: %w", err)
		}
	}
	if err := cfg.pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PgSQLStorage{pool: cfg.pool}, nil
}

// ApplySchema creates the dispatcher tables if they do not exist.
func (s *PgSQLStorage) ApplySchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// nullTime returns nil for the zero time.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// fromNullTime returns the zero time for nil.
func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// notFound converts pgx.ErrNoRows to storage.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", storage.ErrNotFound, what, id)
	}
	return err
}

// StoreEndpoint implements the storage interface method.
func (s *PgSQLStorage) StoreEndpoint(ctx context.Context, e *webhook.Endpoint) error {
	if e == nil {
		return errors.New("nil endpoint")
	}
	if err := storage.CheckKey(e.TenantID, e.ID); err != nil {
		return err
	}
	events := e.Events
	if events == nil {
		events = []string{}
	}
	_, err := s.pool.Exec(
		ctx, `
INSERT INTO webhook_endpoints
    (tenant_id, id, name, direction, url, secret, events, is_active, last_delivery_at, created_at, updated_at)
VALUES
    ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (tenant_id, id) DO UPDATE SET
    name = EXCLUDED.name,
    direction = EXCLUDED.direction,
    url = EXCLUDED.url,
    secret = EXCLUDED.secret,
    events = EXCLUDED.events,
    is_active = EXCLUDED.is_active,
    last_delivery_at = EXCLUDED.last_delivery_at,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at;`,
		e.TenantID,
		e.ID,
		e.Name,
		string(e.Direction),
		e.URL,
		e.Secret,
		events,
		e.Active,
		nullTime(e.LastDeliveryAt),
		nullTime(e.CreatedAt),
		nullTime(e.UpdatedAt),
	)
	return err
}

const endpointColumns = `tenant_id, id, name, direction, url, secret, events, is_active, last_delivery_at, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*webhook.Endpoint, error) {
	e := new(webhook.Endpoint)
	var direction string
	var lastDelivery, created, updated *time.Time
	if err := row.Scan(
		&e.TenantID,
		&e.ID,
		&e.Name,
		&direction,
		&e.URL,
		&e.Secret,
		&e.Events,
		&e.Active,
		&lastDelivery,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	e.Direction = webhook.Direction(direction)
	e.LastDeliveryAt = fromNullTime(lastDelivery)
	e.CreatedAt = fromNullTime(created)
	e.UpdatedAt = fromNullTime(updated)
	return e, nil
}

// RetrieveEndpoint implements the storage interface method.
func (s *PgSQLStorage) RetrieveEndpoint(ctx context.Context, tenantID, id string) (*webhook.Endpoint, error) {
	if err := storage.CheckKey(tenantID, id); err != nil {
		return nil, err
	}
	e, err := scanEndpoint(s.pool.QueryRow(
		ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE tenant_id = $1 AND id = $2;`,
		tenantID, id,
	))
	if err != nil {
		return nil, notFound(err, "endpoint", id)
	}
	return e, nil
}

// RetrieveEndpoints implements the storage interface method.
func (s *PgSQLStorage) RetrieveEndpoints(ctx context.Context, tenantID string, direction webhook.Direction) ([]*webhook.Endpoint, error) {
	if tenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	rows, err := s.pool.Query(
		ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints
WHERE tenant_id = $1 AND ($2 = '' OR direction = $2)
ORDER BY name, id;`,
		tenantID, string(direction),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var endpoints []*webhook.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// StoreDelivery implements the storage interface method.
func (s *PgSQLStorage) StoreDelivery(ctx context.Context, d *webhook.Delivery) error {
	if d == nil {
		return errors.New("nil delivery")
	}
	if err := storage.CheckKey(d.TenantID, d.ID); err != nil {
		return err
	}
	var payload []byte
	if len(d.Payload) > 0 {
		if !json.Valid(d.Payload) {
			return errors.New("invalid payload json")
		}
		payload = d.Payload
	}
	var responseCode *int
	if d.ResponseCode != 0 {
		responseCode = &d.ResponseCode
	}
	_, err := s.pool.Exec(
		ctx, `
INSERT INTO webhook_deliveries
    (tenant_id, id, endpoint_id, event_name, payload, status, attempt_count, response_code, response_body, last_error,
     next_attempt_at, dead_lettered_at, delivered_at, created_at, updated_at, max_attempts, retry_base_ms)
VALUES
    ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (tenant_id, id) DO UPDATE SET
    status = EXCLUDED.status,
    attempt_count = EXCLUDED.attempt_count,
    response_code = EXCLUDED.response_code,
    response_body = EXCLUDED.response_body,
    last_error = EXCLUDED.last_error,
    next_attempt_at = EXCLUDED.next_attempt_at,
    dead_lettered_at = EXCLUDED.dead_lettered_at,
    delivered_at = EXCLUDED.delivered_at,
    updated_at = EXCLUDED.updated_at;`,
		d.TenantID,
		d.ID,
		d.EndpointID,
		d.EventName,
		payload,
		string(d.Status),
		d.AttemptCount,
		responseCode,
		d.ResponseBody,
		d.LastError,
		nullTime(d.NextAttemptAt),
		nullTime(d.DeadLetteredAt),
		nullTime(d.DeliveredAt),
		nullTime(d.CreatedAt),
		nullTime(d.UpdatedAt),
		d.MaxAttempts,
		d.RetryBase.Milliseconds(),
	)
	return err
}

const deliveryColumns = `tenant_id, id, endpoint_id, event_name, payload, status, attempt_count, response_code, response_body, last_error,
next_attempt_at, dead_lettered_at, delivered_at, created_at, updated_at, max_attempts, retry_base_ms`

func scanDelivery(row pgx.Row) (*webhook.Delivery, error) {
	d := new(webhook.Delivery)
	var payload []byte
	var status string
	var responseCode *int
	var next, dead, delivered, created, updated *time.Time
	var retryBaseMS int64
	if err := row.Scan(
		&d.TenantID,
		&d.ID,
		&d.EndpointID,
		&d.EventName,
		&payload,
		&status,
		&d.AttemptCount,
		&responseCode,
		&d.ResponseBody,
		&d.LastError,
		&next,
		&dead,
		&delivered,
		&created,
		&updated,
		&d.MaxAttempts,
		&retryBaseMS,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		// JSONB reorders keys; the dispatcher canonicalizes before sending
		d.Payload = json.RawMessage(payload)
	}
	d.RetryBase = time.Duration(retryBaseMS) * time.Millisecond
	d.Status = webhook.DeliveryStatus(status)
	if responseCode != nil {
		d.ResponseCode = *responseCode
	}
	d.NextAttemptAt = fromNullTime(next)
	d.DeadLetteredAt = fromNullTime(dead)
	d.DeliveredAt = fromNullTime(delivered)
	d.CreatedAt = fromNullTime(created)
	d.UpdatedAt = fromNullTime(updated)
	return d, nil
}

func (s *PgSQLStorage) queryDeliveries(ctx context.Context, sql string, args ...interface{}) ([]*webhook.Delivery, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deliveries []*webhook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// RetrieveDelivery implements the storage interface method.
func (s *PgSQLStorage) RetrieveDelivery(ctx context.Context, tenantID, id string) (*webhook.Delivery, error) {
	if err := storage.CheckKey(tenantID, id); err != nil {
		return nil, err
	}
	d, err := scanDelivery(s.pool.QueryRow(
		ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE tenant_id = $1 AND id = $2;`,
		tenantID, id,
	))
	if err != nil {
		return nil, notFound(err, "delivery", id)
	}
	return d, nil
}

// RetrieveDeliveries implements the storage interface method.
func (s *PgSQLStorage) RetrieveDeliveries(ctx context.Context, tenantID string, status webhook.DeliveryStatus) ([]*webhook.Delivery, error) {
	if tenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	return s.queryDeliveries(
		ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC;`,
		tenantID, string(status),
	)
}

// RetrieveDueDeliveries implements the storage interface method.
func (s *PgSQLStorage) RetrieveDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	return s.queryDeliveries(
		ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
WHERE status = 'pending' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
ORDER BY next_attempt_at, id
LIMIT $2;`,
		now, limitArg,
	)
}
