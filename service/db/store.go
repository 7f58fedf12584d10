package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("db: not found")

// Message and delivery statuses. A delivery log row is created PENDING and
// transitions to SENT or FAILED only through a delivery attempt.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Store provides database operations for the relay.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Message is a locally-stored mobile-money notification. It is the local
// side of sync reconciliation: owned by this device until synced.
type Message struct {
	ID           uuid.UUID
	Sender       string
	Body         string
	PhoneNumber  string // receiving line, used as the routing key
	Provider     string
	Type         string
	AmountMinor  int64
	CurrencyCode string
	Counterparty string
	ProviderTxID *string
	BalanceMinor *int64
	Status       string // PENDING or SENT
	Synced       bool
	ObservedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateMessageParams contains the parameters for storing a parsed message.
type CreateMessageParams struct {
	Sender       string
	Body         string
	PhoneNumber  string
	Provider     string
	Type         string
	AmountMinor  int64
	CurrencyCode string
	Counterparty string
	ProviderTxID *string
	BalanceMinor *int64
	ObservedAt   time.Time
}

const messageColumns = `id, sender, body, phone_number, provider, type, amount_minor,
	currency_code, counterparty, provider_tx_id, balance_minor, status, synced,
	observed_at, created_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var txID pgtype.Text
	var balance pgtype.Int8
	err := row.Scan(&m.ID, &m.Sender, &m.Body, &m.PhoneNumber, &m.Provider, &m.Type,
		&m.AmountMinor, &m.CurrencyCode, &m.Counterparty, &txID, &balance,
		&m.Status, &m.Synced, &m.ObservedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.ProviderTxID = stringPtrFromPgtext(txID)
	m.BalanceMinor = int64PtrFromPgint8(balance)
	return &m, nil
}

// CreateMessage inserts a new message in PENDING, unsynced state.
func (s *Store) CreateMessage(ctx context.Context, params CreateMessageParams) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, sender, body, phone_number, provider, type,
			amount_minor, currency_code, counterparty, provider_tx_id,
			balance_minor, status, synced, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false, $13)
		RETURNING `+messageColumns,
		uuid.New(), params.Sender, params.Body, params.PhoneNumber,
		params.Provider, params.Type, params.AmountMinor, params.CurrencyCode,
		params.Counterparty, pgtextFromStringPtr(params.ProviderTxID),
		pgint8FromInt64Ptr(params.BalanceMinor), StatusPending, params.ObservedAt)
	return scanMessage(row)
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// ListMessages retrieves messages ordered by observation time, newest first.
func (s *Store) ListMessages(ctx context.Context, limit, offset int32) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		ORDER BY observed_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListUnsyncedMessages retrieves messages not yet pushed to the remote,
// oldest first so upload order follows observation order.
func (s *Store) ListUnsyncedMessages(ctx context.Context) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE synced = false ORDER BY observed_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// MarkMessageSynced flags a message as accepted by the remote.
func (s *Store) MarkMessageSynced(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET synced = true, status = $2, updated_at = now()
		WHERE id = $1`, id, StatusSent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageUnsynced flags a message for re-upload on the next push pass.
// updated_at is left alone: the flag flip is bookkeeping, not an edit, and
// must not shift the record in last-writer-wins ordering.
func (s *Store) MarkMessageUnsynced(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET synced = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRemoteMessage overwrites a message's payload with a merged
// reconciliation result. The identity key never changes.
func (s *Store) ApplyRemoteMessage(ctx context.Context, m *Message) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE messages SET amount_minor = $2, body = $3, counterparty = $4,
			status = $5, synced = true, updated_at = $6
		WHERE id = $1
		RETURNING `+messageColumns,
		m.ID, m.AmountMinor, m.Body, m.Counterparty, m.Status, m.UpdatedAt)
	return scanMessage(row)
}

// DeleteMessage removes a message, used when a server-side deletion wins
// conflict resolution.
func (s *Store) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return err
}

// Destination is a configured webhook endpoint. Read-only to the
// dispatcher; created and edited by the configuration surface.
type Destination struct {
	ID         uuid.UUID
	Name       string
	URL        string
	RoutingKey string // "" and "*" are both catch-all
	APIKey     string
	HMACSecret string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateDestinationParams contains the parameters for registering a
// webhook destination.
type CreateDestinationParams struct {
	Name       string
	URL        string
	RoutingKey string
	APIKey     string
	HMACSecret string
	Active     bool
}

const destinationColumns = `id, name, url, routing_key, api_key, hmac_secret, active, created_at, updated_at`

func scanDestination(row pgx.Row) (*Destination, error) {
	var d Destination
	err := row.Scan(&d.ID, &d.Name, &d.URL, &d.RoutingKey, &d.APIKey,
		&d.HMACSecret, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDestination registers a new webhook destination.
func (s *Store) CreateDestination(ctx context.Context, params CreateDestinationParams) (*Destination, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO destinations (id, name, url, routing_key, api_key, hmac_secret, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+destinationColumns,
		uuid.New(), params.Name, params.URL, params.RoutingKey,
		params.APIKey, params.HMACSecret, params.Active)
	return scanDestination(row)
}

// GetDestination retrieves a destination by id.
func (s *Store) GetDestination(ctx context.Context, id uuid.UUID) (*Destination, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+destinationColumns+` FROM destinations WHERE id = $1`, id)
	return scanDestination(row)
}

// ListDestinations retrieves all destinations.
func (s *Store) ListDestinations(ctx context.Context) ([]*Destination, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+destinationColumns+` FROM destinations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDestinations(rows)
}

// ListActiveDestinationsByRoutingKey retrieves active destinations whose
// routing key equals key exactly. Catch-all destinations are a separate
// fallback tier and not included here.
func (s *Store) ListActiveDestinationsByRoutingKey(ctx context.Context, key string) ([]*Destination, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+destinationColumns+` FROM destinations
		WHERE active = true AND routing_key = $1 ORDER BY created_at`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDestinations(rows)
}

// ListActiveCatchAllDestinations retrieves active destinations with a
// wildcard or empty routing key. The two spellings are equivalent.
func (s *Store) ListActiveCatchAllDestinations(ctx context.Context) ([]*Destination, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+destinationColumns+` FROM destinations
		WHERE active = true AND routing_key IN ('*', '') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDestinations(rows)
}

// SetDestinationActive toggles a destination without deleting its history.
func (s *Store) SetDestinationActive(ctx context.Context, id uuid.UUID, active bool) (*Destination, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE destinations SET active = $2, updated_at = now()
		WHERE id = $1 RETURNING `+destinationColumns, id, active)
	return scanDestination(row)
}

// DeleteDestination removes a destination and its delivery logs.
func (s *Store) DeleteDestination(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM destinations WHERE id = $1`, id)
	return err
}

// DeliveryLog records the delivery attempt stream for one (destination,
// message) pair.
type DeliveryLog struct {
	ID              uuid.UUID
	DestinationID   uuid.UUID
	MessageID       uuid.UUID
	Status          string // PENDING, SENT or FAILED
	HTTPCode        *int
	ResponseExcerpt string
	RetryCount      int32
	SentAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const deliveryLogColumns = `id, destination_id, message_id, status, http_code,
	response_excerpt, retry_count, sent_at, created_at, updated_at`

func scanDeliveryLog(row pgx.Row) (*DeliveryLog, error) {
	var l DeliveryLog
	var code pgtype.Int4
	var sentAt pgtype.Timestamptz
	err := row.Scan(&l.ID, &l.DestinationID, &l.MessageID, &l.Status, &code,
		&l.ResponseExcerpt, &l.RetryCount, &sentAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.HTTPCode = intPtrFromPgint4(code)
	l.SentAt = timePtrFromPgTimestamptz(sentAt)
	return &l, nil
}

// CreateDeliveryLog inserts a PENDING entry for (destination, message).
// The pair is unique; re-dispatching the same message returns the existing
// row, which keeps routing idempotent across crashes.
func (s *Store) CreateDeliveryLog(ctx context.Context, destinationID, messageID uuid.UUID) (*DeliveryLog, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO delivery_logs (id, destination_id, message_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (destination_id, message_id)
			DO UPDATE SET updated_at = now()
		RETURNING `+deliveryLogColumns,
		uuid.New(), destinationID, messageID, StatusPending)
	return scanDeliveryLog(row)
}

// GetDeliveryLog retrieves a delivery log entry by id.
func (s *Store) GetDeliveryLog(ctx context.Context, id uuid.UUID) (*DeliveryLog, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryLogColumns+` FROM delivery_logs WHERE id = $1`, id)
	return scanDeliveryLog(row)
}

// ListDeliveryLogsByStatus retrieves delivery logs with the given status.
func (s *Store) ListDeliveryLogsByStatus(ctx context.Context, status string, limit int32) ([]*DeliveryLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryLogColumns+` FROM delivery_logs
		WHERE status = $1 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveryLogs(rows)
}

// ListRetryableDeliveryLogs retrieves PENDING and FAILED entries that have
// not exhausted the retry ceiling.
func (s *Store) ListRetryableDeliveryLogs(ctx context.Context, maxRetries int32) ([]*DeliveryLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryLogColumns+` FROM delivery_logs
		WHERE status IN ($1, $2) AND retry_count < $3
		ORDER BY created_at`, StatusPending, StatusFailed, maxRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveryLogs(rows)
}

// MarkDeliverySent records a successful attempt. Single-row update; each
// log row's lifecycle is independent.
func (s *Store) MarkDeliverySent(ctx context.Context, id uuid.UUID, httpCode int, excerpt string, sentAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_logs
		SET status = $2, http_code = $3, response_excerpt = $4, sent_at = $5, updated_at = now()
		WHERE id = $1`, id, StatusSent, httpCode, excerpt, sentAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeliveryFailed records a failed attempt and increments the retry
// count. httpCode is nil for transport failures.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, httpCode *int, excerpt string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_logs
		SET status = $2, http_code = $3, response_excerpt = $4,
			retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1`, id, StatusFailed, pgint4FromIntPtr(httpCode), excerpt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDeliveryLogsByStatus returns the aggregate pending/sent/failed
// counts surfaced to operators.
func (s *Store) CountDeliveryLogsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM delivery_logs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteSentDeliveryLogsOlderThan is the retention sweep: only SENT rows
// past the horizon are removed, failures stay for diagnostics.
func (s *Store) DeleteSentDeliveryLogsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM delivery_logs WHERE status = $1 AND sent_at < $2`,
		StatusSent, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Helper functions to convert between pgx types and domain types

func collectMessages(rows pgx.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func collectDestinations(rows pgx.Rows) ([]*Destination, error) {
	var out []*Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func collectDeliveryLogs(rows pgx.Rows) ([]*DeliveryLog, error) {
	var out []*DeliveryLog
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint8FromInt64Ptr(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func int64PtrFromPgint8(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func pgint4FromIntPtr(v *int) pgtype.Int4 {
	if v == nil {
		return pgtype.Int4{Valid: false}
	}
	return pgtype.Int4{Int32: int32(*v), Valid: true}
}

func intPtrFromPgint4(v pgtype.Int4) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int32)
	return &n
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
