package eventlog

import (
	"context"
	"fmt"
	"time"
)

// Type enumerates the audit events recorded for a contract.
type Type string

const (
	ContractCreated   Type = "CONTRACT_CREATED"
	ContractSent      Type = "CONTRACT_SENT"
	ContractSigned    Type = "CONTRACT_SIGNED"
	ContractDeclined  Type = "CONTRACT_DECLINED"
	ContractCompleted Type = "CONTRACT_COMPLETED"
	ContractExpired   Type = "CONTRACT_EXPIRED"
	ContractCancelled Type = "CONTRACT_CANCELLED"
	SignerViewed      Type = "SIGNER_VIEWED"
	SignerSigned      Type = "SIGNER_SIGNED"
	SignerDeclined    Type = "SIGNER_DECLINED"
	ReminderSent      Type = "REMINDER_SENT"
	EmailSent         Type = "EMAIL_SENT"
)

// Types lists every known event type in declaration order.
func Types() []Type {
	return []Type{
		ContractCreated, ContractSent, ContractSigned, ContractDeclined, ContractCompleted,
		ContractExpired, ContractCancelled, SignerViewed, SignerSigned, SignerDeclined,
		ReminderSent, EmailSent,
	}
}

func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Origin captures where the triggering request came from.
type Origin struct {
	IPAddress string
	UserAgent string
}

// Event is one immutable row of the audit trail. Seq orders rows that share a timestamp.
type Event struct {
	ID         string
	Seq        int64
	Type       Type
	ContractID string
	SignerID   *string
	Data       map[string]any
	Origin     Origin
	CreatedAt  time.Time
}

// Entry is the write model for Append.
type Entry struct {
	Type       Type
	ContractID string
	SignerID   string
	Data       map[string]any
	Origin     Origin
	At         time.Time
}

// Filter narrows an audit query. Empty Types matches every type.
type Filter struct {
	ContractID string
	Types      []Type
	Limit      int
}

// Appender is implemented by store transactions. It has no update or delete.
type Appender interface {
	AppendEvent(ctx context.Context, entry Entry) (Event, error)
}

// Append validates entry and writes it through w.
func Append(ctx context.Context, w Appender, entry Entry) (Event, error) {
	if err := entry.Validate(); err != nil {
		return Event{}, err
	}
	if entry.Data == nil {
		entry.Data = map[string]any{}
	}
	if entry.Origin == (Origin{}) {
		entry.Origin = OriginFrom(ctx)
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	entry.At = entry.At.UTC()
	return w.AppendEvent(ctx, entry)
}

func (e Entry) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("eventlog: unknown event type %q", e.Type)
	}
	if e.ContractID == "" {
		return fmt.Errorf("eventlog: missing contract id")
	}
	return nil
}

type originKey struct{}

// WithOrigin attaches request origin metadata to ctx for every event appended under it.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return Origin{}
}

// Count returns how many events of type t are in events.
func Count(events []Event, t Type) int {
	n := 0
	for _, e := range events {
		if e.Type == t {
			n++
		}
	}
	return n
}
