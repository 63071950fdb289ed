package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"signflow/contract"
	"signflow/eventlog"
	"signflow/token"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeStarter) RecordView(ctx context.Context, contractID, signerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, contractID+"/"+signerID+"@"+eventlog.OriginFrom(ctx).UserAgent)
	return f.err
}

type fakeAuthorizer struct {
	allowed map[string]bool
}

func (f fakeAuthorizer) CanWatch(_ context.Context, _ Identity, contractID string) error {
	if !f.allowed[contractID] {
		return contract.ErrForbidden
	}
	return nil
}

type fixture struct {
	srv         *httptest.Server
	tokens      *token.Service
	registry    *Registry
	broadcaster *Broadcaster
	starter     *fakeStarter
}

func newFixture(t *testing.T, authorizer Authorizer) *fixture {
	t.Helper()
	f := &fixture{
		tokens:   token.NewService("test-secret"),
		registry: NewRegistry(),
		starter:  &fakeStarter{},
	}
	f.broadcaster = NewBroadcaster(f.registry, nil)
	h := NewHandler(HandlerConfig{
		Registry:      f.registry,
		Broadcaster:   f.broadcaster,
		Authenticator: TokenAuthenticator{Tokens: f.tokens},
		Authorizer:    authorizer,
		Starter:       f.starter,
	})
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) accessToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.tokens.IssueAccess(userID, userID+"@example.com", "")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	return tok
}

func (f *fixture) dial(t *testing.T, credential string) *websocket.Conn {
	t.Helper()
	conn, err := f.dialErr(credential)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) dialErr(credential string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, f.srv.URL)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	cfg.Header.Set("User-Agent", "ws-test")
	if credential != "" {
		cfg.Header.Set("Authorization", "Bearer "+credential)
	}
	return websocket.DialConfig(cfg)
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(150 * time.Millisecond))
	var got wsTestFrame
	if err := json.NewDecoder(conn).Decode(&got); err == nil {
		t.Fatalf("expected no frame, got %s", got.Type)
	}
}

func join(t *testing.T, conn *websocket.Conn, contractID string) wsTestFrame {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":       "join:contract",
		"request_id": "req-join",
		"payload":    map[string]any{"contract_id": contractID},
	})
	return readFrame(t, conn)
}

func TestHandler_RejectsMissingOrInvalidCredential(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.dialErr(""); err == nil {
		t.Fatal("expected dial without credential to fail")
	}
	if _, err := f.dialErr("garbage"); err == nil {
		t.Fatal("expected dial with invalid credential to fail")
	}
	if f.registry.Connections() != 0 {
		t.Fatalf("expected no registered connections, got %d", f.registry.Connections())
	}
}

func TestHandler_JoinThenReceiveOnlyOwnChannel(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, f.accessToken(t, "alice"))
	bob := f.dial(t, f.accessToken(t, "bob"))

	if got := join(t, alice, "contract-x"); got.Type != "joined:contract" || got.RequestID != "req-join" {
		t.Fatalf("unexpected join reply %+v", got)
	}
	if got := join(t, bob, "contract-y"); got.Type != "joined:contract" {
		t.Fatalf("unexpected join reply %+v", got)
	}

	n, err := f.broadcaster.EmitEvent(eventlog.Event{ID: "ev-1", Type: eventlog.SignerSigned, ContractID: "contract-x"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}

	got := readFrame(t, alice)
	if got.Type != EventContractUpdated {
		t.Fatalf("frame type = %q, want %q", got.Type, EventContractUpdated)
	}
	var env EventEnvelope
	if err := json.Unmarshal(got.Payload, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.ID != "ev-1" || env.Type != "SIGNER_SIGNED" || env.ContractID != "contract-x" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	expectNoFrame(t, bob)
}

func TestHandler_LeaveStopsDelivery(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, f.accessToken(t, "alice"))
	join(t, conn, "contract-x")

	writeFrame(t, conn, map[string]any{
		"type":    "leave:contract",
		"payload": map[string]any{"contract_id": "contract-x"},
	})
	if got := readFrame(t, conn); got.Type != "left:contract" {
		t.Fatalf("unexpected leave reply %+v", got)
	}
	if m := f.registry.Members(Channel("contract-x")); m != 0 {
		t.Fatalf("expected empty channel after leave, got %d", m)
	}
	if n, _ := f.broadcaster.Emit("contract-x", EventContractCompleted, map[string]string{"contractId": "contract-x"}); n != 0 {
		t.Fatalf("expected no deliveries after leave, got %d", n)
	}
}

func TestHandler_DisconnectCleansRegistry(t *testing.T) {
	f := newFixture(t, nil)
	conn, err := f.dialErr(f.accessToken(t, "alice"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	join(t, conn, "contract-x")
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.registry.Connections() == 0 && f.registry.Members(Channel("contract-x")) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry not cleaned: %d connections, %d members", f.registry.Connections(), f.registry.Members(Channel("contract-x")))
}

func TestHandler_AuthorizerRefusesJoin(t *testing.T) {
	f := newFixture(t, fakeAuthorizer{allowed: map[string]bool{"contract-x": true}})
	conn := f.dial(t, f.accessToken(t, "alice"))

	got := join(t, conn, "contract-y")
	if got.Type != "error" || !strings.Contains(string(got.Payload), "FORBIDDEN") {
		t.Fatalf("expected FORBIDDEN error, got %s %s", got.Type, got.Payload)
	}
	if got := join(t, conn, "contract-x"); got.Type != "joined:contract" {
		t.Fatalf("expected join to allowed contract, got %+v", got)
	}
}

func TestHandler_SignerScopedToOwnContract(t *testing.T) {
	f := newFixture(t, nil)
	sig, _, err := f.tokens.IssueSignature("signer-1", "contract-x", "s@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue signature: %v", err)
	}
	conn := f.dial(t, sig)

	if got := join(t, conn, "contract-y"); got.Type != "error" {
		t.Fatalf("expected signer join to foreign contract to fail, got %+v", got)
	}
	if got := join(t, conn, "contract-x"); got.Type != "joined:contract" {
		t.Fatalf("expected signer join to own contract, got %+v", got)
	}
}

func TestHandler_SignatureStartRecordsViewAndBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	owner := f.dial(t, f.accessToken(t, "owner"))
	join(t, owner, "contract-x")

	sig, _, err := f.tokens.IssueSignature("signer-1", "contract-x", "s@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue signature: %v", err)
	}
	signer := f.dial(t, sig)
	writeFrame(t, signer, map[string]any{"type": "signature:start", "request_id": "req-start"})

	if got := readFrame(t, signer); got.Type != "signature:started" || got.RequestID != "req-start" {
		t.Fatalf("unexpected start reply %+v", got)
	}
	got := readFrame(t, owner)
	if got.Type != EventSignatureRequested || !strings.Contains(string(got.Payload), "signer-1") {
		t.Fatalf("expected signature:requested for owner, got %s %s", got.Type, got.Payload)
	}

	f.starter.mu.Lock()
	defer f.starter.mu.Unlock()
	if len(f.starter.calls) != 1 || f.starter.calls[0] != "contract-x/signer-1@ws-test" {
		t.Fatalf("unexpected view calls %v", f.starter.calls)
	}
}

func TestHandler_SignatureStartRequiresSigner(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, f.accessToken(t, "owner"))
	writeFrame(t, conn, map[string]any{"type": "signature:start", "payload": map[string]any{"contract_id": "contract-x"}})
	if got := readFrame(t, conn); got.Type != "error" {
		t.Fatalf("expected error for non-signer, got %+v", got)
	}
}

func TestHandler_SignatureStartSurfacesInvalidState(t *testing.T) {
	f := newFixture(t, nil)
	f.starter.err = contract.ErrAlreadyFinalized
	sig, _, err := f.tokens.IssueSignature("signer-1", "contract-x", "s@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue signature: %v", err)
	}
	conn := f.dial(t, sig)
	writeFrame(t, conn, map[string]any{"type": "signature:start"})
	got := readFrame(t, conn)
	if got.Type != "error" || !strings.Contains(string(got.Payload), "already finalized") {
		t.Fatalf("expected finalized error, got %s %s", got.Type, got.Payload)
	}
}

func TestHandler_UnknownFrameType(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t, f.accessToken(t, "alice"))
	writeFrame(t, conn, map[string]any{"type": "nope"})
	got := readFrame(t, conn)
	if got.Type != "error" || !strings.Contains(string(got.Payload), "unsupported frame type") {
		t.Fatalf("unexpected reply %s %s", got.Type, got.Payload)
	}
}
