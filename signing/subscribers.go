package signing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signflow/bus"
	"signflow/contract"
	"signflow/eventlog"
	"signflow/notify"
	"signflow/store"
)

// Notifier sends the transactional email of an outcome. notify.Dispatcher satisfies it.
type Notifier interface {
	NotifyForSignature(ctx context.Context, signer contract.Signer, c contract.Contract, owner contract.Owner, tok string) error
	NotifyReminder(ctx context.Context, signer contract.Signer, c contract.Contract, owner contract.Owner, tok string) error
	NotifyCompletion(ctx context.Context, c contract.Contract, owner contract.Owner, signers []contract.Signer) error
}

// Emitter pushes frames to a contract's realtime channel. realtime.Broadcaster satisfies it.
type Emitter interface {
	Emit(contractID, event string, payload any) (int, error)
	EmitEvent(ev eventlog.Event) (int, error)
}

// FailureRecorder keeps notifications that never reached the mailer.
type FailureRecorder interface {
	RecordNotificationFailure(ctx context.Context, f store.NotificationFailure) error
}

// Realtime event names, kept in step with the realtime package.
const (
	eventSignatureRequested = "signature:requested"
	eventSignatureCompleted = "signature:completed"
	eventContractCompleted  = "contract:completed"
)

// NotificationHandler delivers every Mail of an outcome and the completion
// mail. Failures are already logged and recorded by the notifier; one bad
// recipient never blocks the next.
func NotificationHandler(n Notifier, timeout time.Duration, logger *zap.Logger) bus.Handler[Outcome] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, out Outcome) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		for _, m := range out.Mail {
			var err error
			switch m.Kind {
			case MailSignatureRequest:
				err = n.NotifyForSignature(ctx, m.Signer, out.Contract, out.Owner, m.Token)
			case MailReminder:
				err = n.NotifyReminder(ctx, m.Signer, out.Contract, out.Owner, m.Token)
			default:
				logger.Warn("signing: unknown mail kind", zap.String("kind", string(m.Kind)))
				continue
			}
			if err != nil {
				logger.Debug("signing: signer notification failed",
					zap.String("contract_id", out.Contract.ID),
					zap.String("signer_id", m.Signer.ID),
					zap.Error(err),
				)
			}
		}
		if out.Completed {
			if err := n.NotifyCompletion(ctx, out.Contract, out.Owner, out.Signers); err != nil {
				logger.Debug("signing: completion notification failed",
					zap.String("contract_id", out.Contract.ID),
					zap.Error(err),
				)
			}
		}
	}
}

// BroadcastHandler mirrors every committed event as contract:updated and adds
// the lifecycle frames clients listen for.
func BroadcastHandler(e Emitter, logger *zap.Logger) bus.Handler[Outcome] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, out Outcome) {
		for _, ev := range out.Events {
			if _, err := e.EmitEvent(ev); err != nil {
				logger.Warn("signing: broadcast event failed", zap.String("event_id", ev.ID), zap.Error(err))
			}

			var (
				name    string
				payload map[string]any
			)
			switch ev.Type {
			case eventlog.ContractSent:
				ids := make([]string, 0, len(out.Signers))
				for _, s := range out.Signers {
					ids = append(ids, s.ID)
				}
				name, payload = eventSignatureRequested, map[string]any{
					"contractId": ev.ContractID,
					"signerIds":  ids,
				}
			case eventlog.SignerSigned:
				name, payload = eventSignatureCompleted, map[string]any{
					"contractId": ev.ContractID,
					"signerId":   deref(ev.SignerID),
					"status":     string(out.Contract.Status),
				}
			case eventlog.ContractCompleted:
				name, payload = eventContractCompleted, map[string]any{
					"contractId":  ev.ContractID,
					"completedAt": ev.CreatedAt,
				}
			default:
				continue
			}
			if _, err := e.Emit(ev.ContractID, name, payload); err != nil {
				logger.Warn("signing: broadcast failed", zap.String("event", name), zap.Error(err))
			}
		}
	}
}

// Subscribe wires both handlers onto b. The notification subscription only
// queues outcomes that carry mail; an outcome it cannot queue is recorded as
// one missed notification per recipient.
func Subscribe(b *bus.Bus[Outcome], n Notifier, e Emitter, failures FailureRecorder, mailTimeout time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n != nil {
		opts := []bus.SubscribeOption[Outcome]{bus.WithFilter(carriesMail)}
		if failures != nil {
			opts = append(opts, bus.WithDropHandler(RecordDropped(failures, logger)))
		}
		b.Subscribe("notifications", NotificationHandler(n, mailTimeout, logger), opts...)
	}
	if e != nil {
		b.Subscribe("realtime", BroadcastHandler(e, logger))
	}
}

func carriesMail(out Outcome) bool {
	return len(out.Mail) > 0 || out.Completed
}

const droppedReason = "notification queue unavailable"

// RecordDropped returns a drop handler that persists every mail of an outcome
// the notification subscriber never received.
func RecordDropped(rec FailureRecorder, logger *zap.Logger) func(Outcome) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(out Outcome) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		at := time.Now().UTC()
		for _, f := range missedMail(out) {
			f.Reason, f.At = droppedReason, at
			logger.Warn("signing: notification dropped",
				zap.String("contract_id", f.ContractID),
				zap.String("recipient", f.Recipient),
				zap.String("kind", f.Kind),
			)
			if err := rec.RecordNotificationFailure(ctx, f); err != nil {
				logger.Error("signing: record dropped notification", zap.String("contract_id", f.ContractID), zap.Error(err))
			}
		}
	}
}

func missedMail(out Outcome) []store.NotificationFailure {
	var missed []store.NotificationFailure
	for _, m := range out.Mail {
		kind := notify.KindSignatureRequest
		if m.Kind == MailReminder {
			kind = notify.KindReminder
		}
		missed = append(missed, store.NotificationFailure{ContractID: out.Contract.ID, Recipient: m.Signer.Email, Kind: kind})
	}
	if out.Completed {
		for i, recipient := range notify.Recipients(out.Owner, out.Signers) {
			kind := notify.KindCompletionSigner
			if i == 0 {
				kind = notify.KindCompletionOwner
			}
			missed = append(missed, store.NotificationFailure{ContractID: out.Contract.ID, Recipient: recipient, Kind: kind})
		}
	}
	return missed
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
