// Package sqlite provides a SQLite-backed implementation of store.Store for
// single-node deployments and tests. Writers are serialised through a single
// connection, which gives every transaction the same exclusivity the postgres
// row lock provides.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"signflow/contract"
	"signflow/eventlog"
	"signflow/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store persists contracts, signers, events and owner accounts in SQLite.
type Store struct {
	sqlDB       *sql.DB
	idGenerator func() string
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func timePtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}

// Open opens a SQLite store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, idGenerator: uuid.NewString}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx, idGenerator: s.idGenerator}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetContract(ctx context.Context, contractID string) (contract.Detail, error) {
	c, err := scanContract(s.sqlDB.QueryRowContext(ctx, selectContractSQL+` WHERE id = ?`, contractID))
	if err != nil {
		return contract.Detail{}, err
	}
	signers, err := listSigners(ctx, s.sqlDB, contractID)
	if err != nil {
		return contract.Detail{}, err
	}
	return contract.Detail{Contract: c, Signers: signers}, nil
}

func (s *Store) ListEvents(ctx context.Context, filter eventlog.Filter) ([]eventlog.Event, error) {
	if filter.ContractID == "" {
		return nil, fmt.Errorf("sqlite: list events: missing contract id")
	}

	query := `
SELECT seq, id, type, contract_id, signer_id, data, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
FROM events
WHERE contract_id = ?`
	args := []any{filter.ContractID}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND type IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	out := make([]eventlog.Event, 0, 16)
	for rows.Next() {
		var (
			ev        eventlog.Event
			typ       string
			signerID  sql.NullString
			data      string
			createdAt int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &typ, &ev.ContractID, &signerID, &data, &ev.Origin.IPAddress, &ev.Origin.UserAgent, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		ev.Type = eventlog.Type(typ)
		ev.SignerID = stringPtr(signerID)
		ev.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, fmt.Errorf("sqlite: decode event payload: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
SELECT id
FROM contracts
WHERE status IN ('DRAFT','SENT','IN_PROGRESS')
  AND expires_at IS NOT NULL
  AND expires_at < ?
ORDER BY expires_at ASC
LIMIT ?
`
	rows, err := s.sqlDB.QueryContext(ctx, query, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list due: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan due: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordNotificationFailure keeps an undelivered email for later reconciliation.
func (s *Store) RecordNotificationFailure(ctx context.Context, f store.NotificationFailure) error {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO notification_failures (contract_id, recipient, kind, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.ContractID, f.Recipient, f.Kind, f.Reason, toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record notification failure: %w", err)
	}
	return nil
}

// ListNotificationFailures returns recorded failures for a contract, oldest first.
func (s *Store) ListNotificationFailures(ctx context.Context, contractID string) ([]store.NotificationFailure, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT contract_id, recipient, kind, reason, created_at FROM notification_failures WHERE contract_id = ? ORDER BY id ASC`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list notification failures: %w", err)
	}
	defer rows.Close()

	var out []store.NotificationFailure
	for rows.Next() {
		var (
			f  store.NotificationFailure
			at int64
		)
		if err := rows.Scan(&f.ContractID, &f.Recipient, &f.Kind, &f.Reason, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan notification failure: %w", err)
		}
		f.At = fromMillis(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

type sqlTx struct {
	tx          *sql.Tx
	idGenerator func() string
}

func (t *sqlTx) CreateContract(ctx context.Context, c contract.Contract) error {
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO contracts (id, title, description, owner_id, document_key, status, created_at, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Description, c.OwnerID, c.DocumentKey, string(c.Status),
		toMillis(c.CreatedAt), toMillis(c.CreatedAt), nullMillis(c.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert contract: %w", err)
	}
	return nil
}

func (t *sqlTx) AddSigner(ctx context.Context, s contract.Signer) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO signers (id, contract_id, email, name, position) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.ContractID, s.Email, s.Name, s.Position,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return contract.ErrDuplicateSigner
		}
		return fmt.Errorf("sqlite: insert signer: %w", err)
	}
	return nil
}

// LockContract reads the row. The transaction already holds the database write lock.
func (t *sqlTx) LockContract(ctx context.Context, contractID string) (contract.Contract, error) {
	return scanContract(t.tx.QueryRowContext(ctx, selectContractSQL+` WHERE id = ?`, contractID))
}

func (t *sqlTx) ListSigners(ctx context.Context, contractID string) ([]contract.Signer, error) {
	return listSigners(ctx, t.tx, contractID)
}

func (t *sqlTx) GetOwner(ctx context.Context, ownerID string) (contract.Owner, error) {
	var o contract.Owner
	err := t.tx.QueryRowContext(ctx, `SELECT id, email, full_name FROM users WHERE id = ?`, ownerID).Scan(&o.ID, &o.Email, &o.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contract.Owner{}, fmt.Errorf("sqlite: owner %s: %w", ownerID, contract.ErrNotFound)
		}
		return contract.Owner{}, fmt.Errorf("sqlite: get owner: %w", err)
	}
	return o, nil
}

func (t *sqlTx) CompareAndSetStatus(ctx context.Context, contractID string, from []contract.Status, to contract.Status, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := make([]string, len(from))
	args := []any{string(to), toMillis(at), contractID}
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE contracts SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: update status: %w", err)
	}
	return affectedOne(res)
}

func (t *sqlTx) MarkSigned(ctx context.Context, signerID string, at time.Time, signatureKey string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
UPDATE signers
SET signed = 1, signed_at = ?, signature_key = NULLIF(?, '')
WHERE id = ? AND signed = 0 AND declined = 0`,
		toMillis(at), signatureKey, signerID,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: mark signed: %w", err)
	}
	return affectedOne(res)
}

func (t *sqlTx) MarkDeclined(ctx context.Context, signerID string, reason string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
UPDATE signers
SET declined = 1, declined_at = ?, decline_reason = NULLIF(?, '')
WHERE id = ? AND signed = 0 AND declined = 0`,
		toMillis(at), reason, signerID,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: mark declined: %w", err)
	}
	return affectedOne(res)
}

func (t *sqlTx) AppendEvent(ctx context.Context, entry eventlog.Entry) (eventlog.Event, error) {
	payload, err := json.Marshal(entry.Data)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("sqlite: marshal event payload: %w", err)
	}

	ev := eventlog.Event{
		ID:         t.idGenerator(),
		Type:       entry.Type,
		ContractID: entry.ContractID,
		Data:       entry.Data,
		Origin:     entry.Origin,
		CreatedAt:  fromMillis(toMillis(entry.At)),
	}
	var signerID sql.NullString
	if entry.SignerID != "" {
		id := entry.SignerID
		ev.SignerID = &id
		signerID = sql.NullString{String: id, Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `
INSERT INTO events (id, type, contract_id, signer_id, data, ip_address, user_agent, created_at)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)`,
		ev.ID, string(ev.Type), ev.ContractID, signerID, string(payload),
		ev.Origin.IPAddress, ev.Origin.UserAgent, toMillis(ev.CreatedAt),
	)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("sqlite: insert event: %w", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return eventlog.Event{}, fmt.Errorf("sqlite: event seq: %w", err)
	}
	return ev, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectContractSQL = `
SELECT id, title, description, owner_id, document_key, status, created_at, updated_at, expires_at
FROM contracts`

func scanContract(row rowScanner) (contract.Contract, error) {
	var (
		c                    contract.Contract
		status               string
		createdAt, updatedAt int64
		expiresAt            sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &c.OwnerID, &c.DocumentKey, &status, &createdAt, &updatedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contract.Contract{}, contract.ErrNotFound
		}
		return contract.Contract{}, fmt.Errorf("sqlite: scan contract: %w", err)
	}
	c.Status = contract.Status(status)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	c.ExpiresAt = timePtr(expiresAt)
	return c, nil
}

func listSigners(ctx context.Context, q queryer, contractID string) ([]contract.Signer, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, contract_id, email, name, position, signed, signed_at, declined, declined_at, decline_reason, signature_key
FROM signers
WHERE contract_id = ?
ORDER BY position ASC, email ASC`, contractID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list signers: %w", err)
	}
	defer rows.Close()

	out := []contract.Signer{}
	for rows.Next() {
		var (
			s                    contract.Signer
			signedAt, declinedAt sql.NullInt64
			reason, key          sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.ContractID, &s.Email, &s.Name, &s.Position, &s.Signed, &signedAt, &s.Declined, &declinedAt, &reason, &key); err != nil {
			return nil, fmt.Errorf("sqlite: scan signer: %w", err)
		}
		s.SignedAt = timePtr(signedAt)
		s.DeclinedAt = timePtr(declinedAt)
		s.DeclineReason = stringPtr(reason)
		s.SignatureKey = stringPtr(key)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate signers: %w", err)
	}
	return out, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
