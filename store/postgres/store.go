package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signflow/contract"
	"signflow/eventlog"
	"signflow/store"
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

// missing reports whether err means the looked-up row cannot exist. A
// malformed UUID never matches a row, so it reads the same as no rows.
func missing(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store on PostgreSQL. Mutations lock the contract row
// with SELECT ... FOR UPDATE and move status with compare-and-swap updates.
type Store struct {
	db          DB
	idGenerator func() string
}

var _ store.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{
		db:          db,
		idGenerator: uuid.NewString,
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, idGenerator: s.idGenerator}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetContract(ctx context.Context, contractID string) (contract.Detail, error) {
	c, err := scanContract(s.db.QueryRow(ctx, selectContractSQL+` WHERE id = $1`, contractID))
	if err != nil {
		return contract.Detail{}, err
	}
	signers, err := listSigners(ctx, s.db, contractID)
	if err != nil {
		return contract.Detail{}, err
	}
	return contract.Detail{Contract: c, Signers: signers}, nil
}

func (s *Store) ListEvents(ctx context.Context, filter eventlog.Filter) ([]eventlog.Event, error) {
	if filter.ContractID == "" {
		return nil, fmt.Errorf("postgres: list events: missing contract id")
	}

	query := `
SELECT seq, id::text, type, contract_id::text, signer_id::text, data::text,
       COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
FROM events
WHERE contract_id = $1`
	args := []any{filter.ContractID}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query += ` AND type = ANY($2)`
		args = append(args, types)
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		if missing(err) {
			return []eventlog.Event{}, nil
		}
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	out := make([]eventlog.Event, 0, 16)
	for rows.Next() {
		var (
			ev   eventlog.Event
			typ  string
			data string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &typ, &ev.ContractID, &ev.SignerID, &data, &ev.Origin.IPAddress, &ev.Origin.UserAgent, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = eventlog.Type(typ)
		ev.CreatedAt = ev.CreatedAt.UTC()
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("postgres: decode event payload: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		if missing(err) {
			return []eventlog.Event{}, nil
		}
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
SELECT id::text
FROM contracts
WHERE status IN ('DRAFT','SENT','IN_PROGRESS')
  AND expires_at IS NOT NULL
  AND expires_at < $1
ORDER BY expires_at ASC
LIMIT $2
`
	rows, err := s.db.Query(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan due: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordNotificationFailure keeps an undelivered email for later reconciliation.
func (s *Store) RecordNotificationFailure(ctx context.Context, f store.NotificationFailure) error {
	const query = `
INSERT INTO notification_failures (contract_id, recipient, kind, reason, created_at)
VALUES ($1, $2, $3, $4, $5)
`
	if _, err := s.db.Exec(ctx, query, f.ContractID, f.Recipient, f.Kind, f.Reason, f.At.UTC()); err != nil {
		return fmt.Errorf("postgres: record notification failure: %w", err)
	}
	return nil
}

type pgTx struct {
	tx          pgx.Tx
	idGenerator func() string
}

func (t *pgTx) CreateContract(ctx context.Context, c contract.Contract) error {
	const query = `
INSERT INTO contracts (id, title, description, owner_id, document_key, status, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6::contract_status, $7, $7, $8)
`
	if _, err := t.tx.Exec(ctx, query, c.ID, c.Title, c.Description, c.OwnerID, c.DocumentKey, string(c.Status), c.CreatedAt.UTC(), c.ExpiresAt); err != nil {
		return fmt.Errorf("postgres: insert contract: %w", err)
	}
	return nil
}

func (t *pgTx) AddSigner(ctx context.Context, s contract.Signer) error {
	const query = `
INSERT INTO signers (id, contract_id, email, name, position)
VALUES ($1, $2, $3, $4, $5)
`
	if _, err := t.tx.Exec(ctx, query, s.ID, s.ContractID, s.Email, s.Name, s.Position); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return contract.ErrDuplicateSigner
		}
		return fmt.Errorf("postgres: insert signer: %w", err)
	}
	return nil
}

func (t *pgTx) LockContract(ctx context.Context, contractID string) (contract.Contract, error) {
	return scanContract(t.tx.QueryRow(ctx, selectContractSQL+` WHERE id = $1 FOR UPDATE`, contractID))
}

func (t *pgTx) ListSigners(ctx context.Context, contractID string) ([]contract.Signer, error) {
	return listSigners(ctx, t.tx, contractID)
}

func (t *pgTx) GetOwner(ctx context.Context, ownerID string) (contract.Owner, error) {
	var o contract.Owner
	err := t.tx.QueryRow(ctx, `SELECT id::text, email, full_name FROM users WHERE id = $1`, ownerID).Scan(&o.ID, &o.Email, &o.Name)
	if err != nil {
		if missing(err) {
			return contract.Owner{}, fmt.Errorf("postgres: owner %s: %w", ownerID, contract.ErrNotFound)
		}
		return contract.Owner{}, fmt.Errorf("postgres: get owner: %w", err)
	}
	return o, nil
}

func (t *pgTx) CompareAndSetStatus(ctx context.Context, contractID string, from []contract.Status, to contract.Status, at time.Time) (bool, error) {
	sources := make([]string, len(from))
	for i, s := range from {
		sources[i] = string(s)
	}
	const query = `
UPDATE contracts
SET status = $2::contract_status,
    updated_at = $3
WHERE id = $1
  AND status::text = ANY($4)
`
	tag, err := t.tx.Exec(ctx, query, contractID, string(to), at.UTC(), sources)
	if err != nil {
		return false, fmt.Errorf("postgres: update status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) MarkSigned(ctx context.Context, signerID string, at time.Time, signatureKey string) (bool, error) {
	var key any
	if signatureKey != "" {
		key = signatureKey
	}
	const query = `
UPDATE signers
SET signed = true,
    signed_at = $2,
    signature_key = $3
WHERE id = $1
  AND signed = false
  AND declined = false
`
	tag, err := t.tx.Exec(ctx, query, signerID, at.UTC(), key)
	if err != nil {
		return false, fmt.Errorf("postgres: mark signed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) MarkDeclined(ctx context.Context, signerID string, reason string, at time.Time) (bool, error) {
	const query = `
UPDATE signers
SET declined = true,
    declined_at = $2,
    decline_reason = NULLIF($3, '')
WHERE id = $1
  AND signed = false
  AND declined = false
`
	tag, err := t.tx.Exec(ctx, query, signerID, at.UTC(), reason)
	if err != nil {
		return false, fmt.Errorf("postgres: mark declined: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) AppendEvent(ctx context.Context, entry eventlog.Entry) (eventlog.Event, error) {
	payload, err := json.Marshal(entry.Data)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("postgres: marshal event payload: %w", err)
	}

	ev := eventlog.Event{
		ID:         t.idGenerator(),
		Type:       entry.Type,
		ContractID: entry.ContractID,
		Data:       entry.Data,
		Origin:     entry.Origin,
		CreatedAt:  entry.At,
	}
	var signerID any
	if entry.SignerID != "" {
		id := entry.SignerID
		ev.SignerID = &id
		signerID = id
	}

	const query = `
INSERT INTO events (id, type, contract_id, signer_id, data, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, NULLIF($6, ''), NULLIF($7, ''), $8)
RETURNING seq
`
	if err := t.tx.QueryRow(ctx, query, ev.ID, string(ev.Type), ev.ContractID, signerID, string(payload), ev.Origin.IPAddress, ev.Origin.UserAgent, ev.CreatedAt).Scan(&ev.Seq); err != nil {
		return eventlog.Event{}, fmt.Errorf("postgres: insert event: %w", err)
	}
	return ev, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const selectContractSQL = `
SELECT id::text, title, description, owner_id::text, document_key, status::text, created_at, updated_at, expires_at
FROM contracts`

func scanContract(row pgx.Row) (contract.Contract, error) {
	var (
		c      contract.Contract
		status string
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &c.OwnerID, &c.DocumentKey, &status, &c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt); err != nil {
		if missing(err) {
			return contract.Contract{}, contract.ErrNotFound
		}
		return contract.Contract{}, fmt.Errorf("postgres: scan contract: %w", err)
	}
	c.Status = contract.Status(status)
	return c, nil
}

func listSigners(ctx context.Context, q querier, contractID string) ([]contract.Signer, error) {
	const query = `
SELECT id::text, contract_id::text, email, name, position, signed, signed_at, declined, declined_at, decline_reason, signature_key
FROM signers
WHERE contract_id = $1
ORDER BY position ASC, email ASC
`
	rows, err := q.Query(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signers: %w", err)
	}
	defer rows.Close()

	out := []contract.Signer{}
	for rows.Next() {
		var s contract.Signer
		if err := rows.Scan(&s.ID, &s.ContractID, &s.Email, &s.Name, &s.Position, &s.Signed, &s.SignedAt, &s.Declined, &s.DeclinedAt, &s.DeclineReason, &s.SignatureKey); err != nil {
			return nil, fmt.Errorf("postgres: scan signer: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate signers: %w", err)
	}
	return out, nil
}
