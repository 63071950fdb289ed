// Package store declares the persistence collaborator the signing coordinator
// composes through. Implementations live in store/postgres and store/sqlite.
package store

import (
	"context"
	"time"

	"signflow/contract"
	"signflow/eventlog"
)

// Store opens transactions and serves the non-transactional reads.
type Store interface {
	Reader
	// InTx runs fn inside one transaction. fn's error rolls everything back;
	// a nil return commits.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader exposes consistent reads outside a transaction.
type Reader interface {
	GetContract(ctx context.Context, contractID string) (contract.Detail, error)
	ListEvents(ctx context.Context, filter eventlog.Filter) ([]eventlog.Event, error)
	// ListDue returns ids of non-terminal contracts whose expiry is before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Tx is the set of writes executed inside a single transaction.
type Tx interface {
	eventlog.Appender

	CreateContract(ctx context.Context, c contract.Contract) error
	// AddSigner returns contract.ErrDuplicateSigner when (contract, email) already exists.
	AddSigner(ctx context.Context, s contract.Signer) error
	// LockContract loads the contract row and holds it for the rest of the transaction.
	LockContract(ctx context.Context, contractID string) (contract.Contract, error)
	ListSigners(ctx context.Context, contractID string) ([]contract.Signer, error)
	GetOwner(ctx context.Context, ownerID string) (contract.Owner, error)
	// CompareAndSetStatus moves the contract to `to` only if its status is one of from.
	// It reports false when the row did not match.
	CompareAndSetStatus(ctx context.Context, contractID string, from []contract.Status, to contract.Status, at time.Time) (bool, error)
	// MarkSigned flags a pending signer as signed; false when the signer already acted.
	MarkSigned(ctx context.Context, signerID string, at time.Time, signatureKey string) (bool, error)
	// MarkDeclined flags a pending signer as declined; false when the signer already acted.
	MarkDeclined(ctx context.Context, signerID string, reason string, at time.Time) (bool, error)
}

// NotificationFailure is one undelivered transactional email kept for reconciliation.
type NotificationFailure struct {
	ContractID string
	Recipient  string
	Kind       string
	Reason     string
	At         time.Time
}
