package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"signflow/auth"
	"signflow/blob"
	"signflow/contract"
	"signflow/realtime"
	"signflow/signing"
	"signflow/store/sqlite"
	"signflow/token"
)

type capturePublisher struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (p *capturePublisher) Publish(out signing.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range out.Mail {
		p.tokens[m.Signer.Email] = m.Token
	}
}

func (p *capturePublisher) token(email string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[email]
}

type apiFixture struct {
	server    *httptest.Server
	published *capturePublisher
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tokens := token.NewService("api-test-secret")
	pub := &capturePublisher{tokens: map[string]string{}}
	coord := signing.NewCoordinator(st, tokens,
		signing.WithPublisher(pub),
		signing.WithArchive(blob.NewMemoryArchive()),
	)
	srv := New(Config{
		Coordinator: coord,
		Accounts:    auth.NewService(st, tokens),
		Tokens:      tokens,
		Ready:       st.Ping,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &apiFixture{server: ts, published: pub}
}

type response struct {
	status    int
	requestID string
	body      map[string]any
}

func (f *apiFixture) do(t *testing.T, method, path, bearerToken string, body any, headers ...string) response {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := response{status: resp.StatusCode, requestID: resp.Header.Get(requestIDHeader), body: map[string]any{}}
	if err := json.NewDecoder(resp.Body).Decode(&out.body); err != nil && err != io.EOF {
		t.Fatalf("%s %s: decode body: %v", method, path, err)
	}
	return out
}

func (f *apiFixture) account(t *testing.T, email string) string {
	t.Helper()
	res := f.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "password": "correct horse", "full_name": "Test " + email,
	})
	if res.status != http.StatusCreated {
		t.Fatalf("register %s: status %d body %v", email, res.status, res.body)
	}
	res = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": "correct horse"})
	if res.status != http.StatusOK {
		t.Fatalf("login %s: status %d body %v", email, res.status, res.body)
	}
	return res.body["token"].(string)
}

func errorCode(res response) string {
	e, _ := res.body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func signerIDs(t *testing.T, res response) map[string]string {
	t.Helper()
	c := res.body["contract"].(map[string]any)
	out := map[string]string{}
	for _, raw := range c["signers"].([]any) {
		s := raw.(map[string]any)
		out[s["email"].(string)] = s["id"].(string)
	}
	return out
}

var pngDataURL = "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png"))

func TestAPI_SigningFlow(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.account(t, "owner@example.com")
	stranger := f.account(t, "stranger@example.com")

	created := f.do(t, http.MethodPost, "/contracts", owner, map[string]any{
		"title":   "Contrat de prestation",
		"signers": []map[string]string{{"email": "a@example.com", "name": "Alice"}, {"email": "b@example.com"}},
	})
	if created.status != http.StatusCreated {
		t.Fatalf("create: status %d body %v", created.status, created.body)
	}
	id := created.body["contract"].(map[string]any)["id"].(string)
	signers := signerIDs(t, created)

	if res := f.do(t, http.MethodPost, "/contracts/"+id+"/send", stranger, nil); res.status != http.StatusForbidden {
		t.Fatalf("send by stranger: expected 403 got %d", res.status)
	}
	sent := f.do(t, http.MethodPost, "/contracts/"+id+"/send", owner, nil)
	if sent.status != http.StatusOK {
		t.Fatalf("send: status %d body %v", sent.status, sent.body)
	}
	invites := sent.body["invitations"].([]any)
	if len(invites) != 2 {
		t.Fatalf("expected 2 invitations got %d", len(invites))
	}
	if _, leaked := invites[0].(map[string]any)["token"]; leaked {
		t.Fatal("invitation response must not carry the signature token")
	}

	tokA, tokB := f.published.token("a@example.com"), f.published.token("b@example.com")
	view := f.do(t, http.MethodGet, "/sign/"+id+"?token="+tokA, "", nil,
		"X-Forwarded-For", "198.51.100.7, 10.0.0.1", "User-Agent", "signflow-test")
	if view.status != http.StatusOK {
		t.Fatalf("signing view: status %d body %v", view.status, view.body)
	}
	if got := view.body["signer"].(map[string]any)["email"]; got != "a@example.com" {
		t.Fatalf("expected signer a, got %v", got)
	}

	forged := f.do(t, http.MethodPost, "/sign/"+id+"/submit", "", map[string]string{
		"token": tokA, "signerId": signers["a@example.com"], "signatureImage": pngDataURL,
		"signerName": "Mallory", "signerEmail": "mallory@example.com",
	})
	if forged.status != http.StatusUnauthorized || errorCode(forged) != "TOKEN_MISMATCH" {
		t.Fatalf("foreign signer email: expected 401 TOKEN_MISMATCH got %d %v", forged.status, forged.body)
	}
	first := f.do(t, http.MethodPost, "/sign/"+id+"/submit", "", map[string]string{
		"token": tokA, "signerId": signers["a@example.com"], "signatureImage": pngDataURL,
		"signerName": "Alice", "signerEmail": "a@example.com",
	})
	if first.status != http.StatusOK || first.body["status"] != "IN_PROGRESS" {
		t.Fatalf("first submit: status %d body %v", first.status, first.body)
	}
	last := f.do(t, http.MethodPost, "/sign/"+id+"/submit", "", map[string]string{
		"token": tokB, "signerId": signers["b@example.com"], "signatureImage": pngDataURL,
	})
	if last.status != http.StatusOK || last.body["status"] != "SIGNED" || last.body["completed"] != true {
		t.Fatalf("last submit: status %d body %v", last.status, last.body)
	}

	again := f.do(t, http.MethodPost, "/sign/"+id+"/submit", "", map[string]string{
		"token": tokB, "signerId": signers["b@example.com"], "signatureImage": pngDataURL,
	})
	if again.status != http.StatusConflict || errorCode(again) != "ALREADY_FINALIZED" {
		t.Fatalf("resubmit: expected 409 ALREADY_FINALIZED got %d %v", again.status, again.body)
	}

	events := f.do(t, http.MethodGet, "/contracts/"+id+"/events?type=SIGNER_VIEWED", owner, nil)
	if events.status != http.StatusOK {
		t.Fatalf("events: status %d body %v", events.status, events.body)
	}
	list := events.body["events"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected one SIGNER_VIEWED got %d", len(list))
	}
	ev := list[0].(map[string]any)
	if ev["ipAddress"] != "198.51.100.7" || ev["userAgent"] != "signflow-test" {
		t.Fatalf("expected origin on event, got %v", ev)
	}
	if res := f.do(t, http.MethodGet, "/contracts/"+id+"/events", stranger, nil); res.status != http.StatusForbidden {
		t.Fatalf("events by stranger: expected 403 got %d", res.status)
	}

	read := f.do(t, http.MethodGet, "/contracts/"+id, owner, nil)
	if read.status != http.StatusOK || read.body["contract"].(map[string]any)["status"] != "SIGNED" {
		t.Fatalf("read: status %d body %v", read.status, read.body)
	}
}

func TestAPI_DeclineFlow(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.account(t, "owner@example.com")
	created := f.do(t, http.MethodPost, "/contracts", owner, map[string]any{
		"title":   "NDA",
		"signers": []map[string]string{{"email": "a@example.com"}, {"email": "b@example.com"}},
	})
	id := created.body["contract"].(map[string]any)["id"].(string)
	signers := signerIDs(t, created)
	f.do(t, http.MethodPost, "/contracts/"+id+"/send", owner, nil)

	res := f.do(t, http.MethodPost, "/sign/"+id+"/decline", "", map[string]string{
		"token": f.published.token("a@example.com"), "signerId": signers["a@example.com"], "reason": "no",
	})
	if res.status != http.StatusOK || res.body["status"] != "DECLINED" {
		t.Fatalf("decline: status %d body %v", res.status, res.body)
	}
	res = f.do(t, http.MethodPost, "/contracts/"+id+"/signers/"+signers["b@example.com"]+"/remind", owner, nil)
	if res.status != http.StatusConflict {
		t.Fatalf("remind after decline: expected 409 got %d %v", res.status, res.body)
	}
}

func TestAPI_ErrorEnvelope(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.account(t, "owner@example.com")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no credential", http.MethodGet, "/contracts/x", "", nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"signature token as access", http.MethodGet, "/contracts/x", "garbage", nil, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"unknown contract", http.MethodGet, "/contracts/missing", owner, nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad json", http.MethodPost, "/contracts", owner, "{", http.StatusBadRequest, "BAD_REQUEST"},
		{"missing title", http.MethodPost, "/contracts", owner, map[string]any{"title": " "}, http.StatusBadRequest, "BAD_REQUEST"},
		{"invalid link", http.MethodPost, "/sign/x/submit", "", map[string]string{"token": "garbage", "signerId": "s"}, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"weak password", http.MethodPost, "/auth/register", "", map[string]string{"email": "w@example.com", "password": "short", "full_name": "W"}, http.StatusBadRequest, "WEAK_PASSWORD"},
		{"wrong password", http.MethodPost, "/auth/login", "", map[string]string{"email": "owner@example.com", "password": "nope nope"}, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"duplicate account", http.MethodPost, "/auth/register", "", map[string]string{"email": "Owner@Example.com", "password": "correct horse", "full_name": "Again"}, http.StatusConflict, "DUPLICATE_EMAIL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.do(t, tc.method, tc.path, tc.token, tc.body)
			if res.status != tc.status || errorCode(res) != tc.code {
				t.Fatalf("expected %d %s got %d %v", tc.status, tc.code, res.status, res.body)
			}
			if res.requestID == "" || res.body["request_id"] != res.requestID {
				t.Fatalf("expected envelope request_id %q to match header, got %v", res.requestID, res.body["request_id"])
			}
		})
	}
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)
	res := f.do(t, http.MethodGet, "/health", "", nil)
	if res.status != http.StatusOK || res.body["status"] != "up" {
		t.Fatalf("health: %d %v", res.status, res.body)
	}
}

type viewFunc func(ctx context.Context, contractID, userID, email string) error

func (f viewFunc) CanView(ctx context.Context, contractID, userID, email string) error {
	return f(ctx, contractID, userID, email)
}

func TestWatchAuthorizer_ScopesSignersToTheirContract(t *testing.T) {
	var calls int
	a := WatchAuthorizer{Coordinator: viewFunc(func(context.Context, string, string, string) error {
		calls++
		return nil
	})}

	signer := realtime.Identity{SignerID: "s1", ContractID: "c1", Email: "a@example.com"}
	if err := a.CanWatch(context.Background(), signer, "c2"); !errors.Is(err, contract.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another contract, got %v", err)
	}
	if calls != 0 {
		t.Fatal("expected no lookup for a foreign contract")
	}
	if err := a.CanWatch(context.Background(), signer, "c1"); err != nil {
		t.Fatalf("own contract: %v", err)
	}
	if err := a.CanWatch(context.Background(), realtime.Identity{UserID: "u1"}, "c2"); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 lookups got %d", calls)
	}
}
