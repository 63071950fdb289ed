package signing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signflow/contract"
	"signflow/eventlog"
	"signflow/notify"
	"signflow/store"
)

type emitted struct {
	contractID string
	event      string
	payload    any
}

type fakeEmitter struct {
	mu     sync.Mutex
	frames []emitted
}

func (f *fakeEmitter) Emit(contractID, event string, payload any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, emitted{contractID, event, payload})
	return 1, nil
}

func (f *fakeEmitter) EmitEvent(ev eventlog.Event) (int, error) {
	return f.Emit(ev.ContractID, "contract:updated", ev)
}

func (f *fakeEmitter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, fr.event)
	}
	return out
}

type fakeNotifier struct {
	mu         sync.Mutex
	requests   []string
	reminders  []string
	completion int
	failFor    string
}

func (f *fakeNotifier) NotifyForSignature(_ context.Context, s contract.Signer, _ contract.Contract, _ contract.Owner, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Email == f.failFor {
		return errors.New("mailbox unavailable")
	}
	f.requests = append(f.requests, s.Email)
	return nil
}

func (f *fakeNotifier) NotifyReminder(_ context.Context, s contract.Signer, _ contract.Contract, _ contract.Owner, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reminders = append(f.reminders, s.Email)
	return nil
}

func (f *fakeNotifier) NotifyCompletion(context.Context, contract.Contract, contract.Owner, []contract.Signer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completion++
	return nil
}

func signerID(id string) *string { return &id }

func TestBroadcastHandler_MapsLifecycleFrames(t *testing.T) {
	e := &fakeEmitter{}
	handle := BroadcastHandler(e, nil)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	handle(context.Background(), Outcome{
		Op:       opSubmit,
		Contract: contract.Contract{ID: "c1", Status: contract.StatusSigned},
		Events: []eventlog.Event{
			{ID: "e1", Type: eventlog.SignerSigned, ContractID: "c1", SignerID: signerID("s1"), CreatedAt: at},
			{ID: "e2", Type: eventlog.ContractCompleted, ContractID: "c1", CreatedAt: at},
			{ID: "e3", Type: eventlog.EmailSent, ContractID: "c1", CreatedAt: at},
		},
	})

	want := []string{
		"contract:updated", "signature:completed",
		"contract:updated", "contract:completed",
		"contract:updated",
	}
	got := e.names()
	if len(got) != len(want) {
		t.Fatalf("expected frames %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: expected %s got %s", i, want[i], got[i])
		}
	}
	payload := e.frames[1].payload.(map[string]any)
	if payload["signerId"] != "s1" || payload["status"] != "SIGNED" {
		t.Fatalf("unexpected signature:completed payload %v", payload)
	}
}

func TestNotificationHandler_IsolatesRecipients(t *testing.T) {
	n := &fakeNotifier{failFor: "a@example.com"}
	handle := NotificationHandler(n, time.Second, nil)

	handle(context.Background(), Outcome{
		Contract: contract.Contract{ID: "c1"},
		Mail: []Mail{
			{Kind: MailSignatureRequest, Signer: contract.Signer{ID: "s1", Email: "a@example.com"}},
			{Kind: MailSignatureRequest, Signer: contract.Signer{ID: "s2", Email: "b@example.com"}},
			{Kind: MailReminder, Signer: contract.Signer{ID: "s3", Email: "c@example.com"}},
		},
		Completed: true,
	})

	if len(n.requests) != 1 || n.requests[0] != "b@example.com" {
		t.Fatalf("expected delivery to continue past a failing recipient, got %v", n.requests)
	}
	if len(n.reminders) != 1 || n.completion != 1 {
		t.Fatalf("expected one reminder and one completion, got %v / %d", n.reminders, n.completion)
	}
}

type recordedFailures struct {
	mu   sync.Mutex
	rows []store.NotificationFailure
}

func (r *recordedFailures) RecordNotificationFailure(_ context.Context, f store.NotificationFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, f)
	return nil
}

func TestRecordDropped_CoversEveryRecipient(t *testing.T) {
	rec := &recordedFailures{}
	RecordDropped(rec, nil)(Outcome{
		Contract: contract.Contract{ID: "c1"},
		Owner:    contract.Owner{Email: "owner@example.com"},
		Signers: []contract.Signer{
			{ID: "s1", Email: "a@example.com"},
			{ID: "s2", Email: "Owner@example.com"},
		},
		Mail:      []Mail{{Kind: MailReminder, Signer: contract.Signer{ID: "s1", Email: "a@example.com"}}},
		Completed: true,
	})

	want := []struct{ recipient, kind string }{
		{"a@example.com", notify.KindReminder},
		{"owner@example.com", notify.KindCompletionOwner},
		{"a@example.com", notify.KindCompletionSigner},
	}
	if len(rec.rows) != len(want) {
		t.Fatalf("expected %d failures got %+v", len(want), rec.rows)
	}
	for i, w := range want {
		got := rec.rows[i]
		if got.ContractID != "c1" || got.Recipient != w.recipient || got.Kind != w.kind || got.Reason == "" || got.At.IsZero() {
			t.Fatalf("failure %d = %+v, want %s/%s", i, got, w.recipient, w.kind)
		}
	}
}

func TestCarriesMail(t *testing.T) {
	if carriesMail(Outcome{Op: "create"}) {
		t.Fatal("outcome without mail must not be queued for notifications")
	}
	if !carriesMail(Outcome{Completed: true}) || !carriesMail(Outcome{Mail: []Mail{{Kind: MailSignatureRequest}}}) {
		t.Fatal("outcomes with mail must be queued")
	}
}
