package signing

import (
	"context"
	"time"

	"signflow/contract"
	"signflow/eventlog"
)

// MailKind tells the notification subscriber which template a Mail needs.
type MailKind string

const (
	MailSignatureRequest MailKind = "signature_request"
	MailReminder         MailKind = "reminder"
)

// Mail is a signature link to deliver once the transaction committed.
type Mail struct {
	Kind      MailKind
	Signer    contract.Signer
	Token     string
	ExpiresAt time.Time
}

// Outcome is what one committed coordinator operation produced. Subscribers
// turn it into emails and realtime frames; nothing in it is rolled back.
type Outcome struct {
	Op        string
	Contract  contract.Contract
	Owner     contract.Owner
	Signers   []contract.Signer
	Events    []eventlog.Event
	Mail      []Mail
	Completed bool
}

// Publisher receives outcomes after commit. bus.Bus[Outcome] satisfies it.
type Publisher interface {
	Publish(Outcome)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Outcome) {}

// Invitation is the signature link minted for one signer.
type Invitation struct {
	SignerID  string
	Email     string
	Token     string
	ExpiresAt time.Time
}

type actorKey struct{}

// WithActor marks ctx as acting on behalf of the authenticated account userID.
// Owner-only operations refuse other actors with contract.ErrForbidden.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the account bound by WithActor, if any.
func ActorFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(actorKey{}).(string)
	return id, ok && id != ""
}
