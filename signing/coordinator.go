// Package signing drives the contract lifecycle. Every mutation locks the
// contract row, checks the state machine, writes the status change and its
// audit events in one transaction, and hands the committed Outcome to the
// publisher for email and realtime fan-out.
package signing

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"signflow/blob"
	"signflow/contract"
	"signflow/eventlog"
	"signflow/notify"
	"signflow/store"
	"signflow/token"
)

const (
	opCreate   = "create"
	opSend     = "send"
	opView     = "view"
	opSubmit   = "submit"
	opDecline  = "decline"
	opReminder = "reminder"
	opCancel   = "cancel"
	opExpire   = "expire"
)

// TokenIssuer mints and verifies signature links.
type TokenIssuer interface {
	IssueSignature(signerID, contractID, email string, ttl time.Duration) (string, time.Time, error)
	Verify(tokenString string) (token.Claims, error)
}

type Config struct {
	// ContractTTL sets the expiry of new contracts that carry none. Zero means no expiry.
	ContractTTL time.Duration
	// SignatureTTL is the lifetime of signature links. Zero uses the issuer default.
	SignatureTTL time.Duration
}

type Coordinator struct {
	store     store.Store
	tokens    TokenIssuer
	archive   blob.Archive
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string
	cfg       Config
}

type Option func(*Coordinator)

func WithArchive(a blob.Archive) Option {
	return func(c *Coordinator) { c.archive = a }
}

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

func NewCoordinator(st store.Store, tokens TokenIssuer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     st,
		tokens:    tokens,
		archive:   blob.NewMemoryArchive(),
		publisher: nopPublisher{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("signflow/signing"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// work accumulates what one transaction did. It is rebuilt for every attempt.
type work struct {
	op          string
	tx          store.Tx
	now         time.Time
	contract    contract.Contract
	owner       *contract.Owner
	signers     []contract.Signer
	loaded      bool
	events      []eventlog.Event
	mail        []Mail
	transitions [][2]contract.Status
	completed   bool
	expired     bool
	conflict    bool
}

func (w *work) append(ctx context.Context, typ eventlog.Type, signerID string, data map[string]any) error {
	ev, err := eventlog.Append(ctx, w.tx, eventlog.Entry{
		Type:       typ,
		ContractID: w.contract.ID,
		SignerID:   signerID,
		Data:       data,
		At:         w.now,
	})
	if err != nil {
		return err
	}
	w.events = append(w.events, ev)
	return nil
}

func (w *work) loadSigners(ctx context.Context) ([]contract.Signer, error) {
	if w.loaded {
		return w.signers, nil
	}
	signers, err := w.tx.ListSigners(ctx, w.contract.ID)
	if err != nil {
		return nil, err
	}
	w.signers, w.loaded = signers, true
	return w.signers, nil
}

// signer returns a pointer into w.signers so in-memory updates feed AllSigned.
func (w *work) signer(ctx context.Context, signerID string) (*contract.Signer, error) {
	signers, err := w.loadSigners(ctx)
	if err != nil {
		return nil, err
	}
	for i := range signers {
		if signers[i].ID == signerID {
			return &signers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: signer %s on contract %s", contract.ErrNotFound, signerID, w.contract.ID)
}

func (w *work) loadOwner(ctx context.Context) (contract.Owner, error) {
	if w.owner != nil {
		return *w.owner, nil
	}
	owner, err := w.tx.GetOwner(ctx, w.contract.OwnerID)
	if err != nil {
		return contract.Owner{}, err
	}
	w.owner = &owner
	return owner, nil
}

func (c *Coordinator) startSpan(ctx context.Context, op, contractID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "signing."+op, trace.WithAttributes(attribute.String("contract.id", contractID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// mutate runs fn against the locked contract. A contract found past its expiry
// is expired and committed instead, and the operation then fails with a state
// error. Losing a status race rolls back and reports success with w.conflict set.
func (c *Coordinator) mutate(ctx context.Context, op, contractID string, fn func(ctx context.Context, w *work) error) (*work, error) {
	var w *work
	err := c.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w = &work{op: op, tx: tx, now: c.now().UTC()}
		current, err := tx.LockContract(ctx, contractID)
		if err != nil {
			return err
		}
		w.contract = current
		if current.Due(w.now) {
			return c.expire(ctx, w)
		}
		if fn == nil {
			return nil
		}
		return fn(ctx, w)
	})
	if err != nil {
		if errors.Is(err, contract.ErrConflict) {
			c.logger.Info("signing: concurrent transition lost, nothing to do",
				zap.String("op", op),
				zap.String("contract_id", contractID),
			)
			return &work{op: op, conflict: true}, nil
		}
		return nil, err
	}

	c.commitLog(w)
	c.publish(w)
	if w.expired && op != opExpire {
		return w, &contract.StateError{Op: op, From: contract.StatusExpired}
	}
	return w, nil
}

func (c *Coordinator) commitLog(w *work) {
	for _, t := range w.transitions {
		c.logger.Info("contract status changed",
			zap.String("op", w.op),
			zap.String("contract_id", w.contract.ID),
			zap.String("from", string(t[0])),
			zap.String("to", string(t[1])),
		)
	}
}

func (c *Coordinator) publish(w *work) {
	if len(w.events) == 0 {
		return
	}
	out := Outcome{
		Op:        w.op,
		Contract:  w.contract,
		Signers:   append([]contract.Signer(nil), w.signers...),
		Events:    w.events,
		Mail:      w.mail,
		Completed: w.completed,
	}
	if w.owner != nil {
		out.Owner = *w.owner
	}
	c.publisher.Publish(out)
}

// transition applies one edge of the state machine with a compare-and-swap on
// the status read under the lock.
func (c *Coordinator) transition(ctx context.Context, w *work, to contract.Status) error {
	from := w.contract.Status
	if !contract.CanTransition(from, to) {
		return &contract.StateError{Op: w.op, From: from, Want: contract.Sources(to)}
	}
	ok, err := w.tx.CompareAndSetStatus(ctx, w.contract.ID, []contract.Status{from}, to, w.now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", contract.ErrConflict, from, to)
	}
	w.contract.Status = to
	w.contract.UpdatedAt = w.now
	w.transitions = append(w.transitions, [2]contract.Status{from, to})
	return nil
}

func (c *Coordinator) expire(ctx context.Context, w *work) error {
	from := w.contract.Status
	if err := c.transition(ctx, w, contract.StatusExpired); err != nil {
		return err
	}
	w.expired = true
	data := map[string]any{"previousStatus": string(from)}
	if w.contract.ExpiresAt != nil {
		data["expiresAt"] = w.contract.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return w.append(ctx, eventlog.ContractExpired, "", data)
}

func authorizeOwner(ctx context.Context, c contract.Contract) error {
	if actor, ok := ActorFrom(ctx); ok && actor != c.OwnerID {
		return contract.ErrForbidden
	}
	return nil
}

func errSignerActed(s contract.Signer) error {
	if s.Signed {
		return fmt.Errorf("%w: signer %s already signed", contract.ErrInvalidState, s.ID)
	}
	return fmt.Errorf("%w: signer %s already declined", contract.ErrInvalidState, s.ID)
}

// SignerInput is one recipient of a new contract.
type SignerInput struct {
	Email string
	Name  string
}

type CreateRequest struct {
	OwnerID     string
	Title       string
	Description string
	DocumentKey string
	// ExpiresAt overrides Config.ContractTTL.
	ExpiresAt *time.Time
	Signers   []SignerInput
}

// CreateContract stores a DRAFT contract with its ordered signers and logs CONTRACT_CREATED.
func (c *Coordinator) CreateContract(ctx context.Context, req CreateRequest) (detail contract.Detail, err error) {
	ctx, span := c.startSpan(ctx, opCreate, "")
	defer func() { endSpan(span, err) }()

	if req.OwnerID == "" {
		if actor, ok := ActorFrom(ctx); ok {
			req.OwnerID = actor
		}
	}
	now := c.now().UTC()
	draft, signers, err := c.buildDraft(req, now)
	if err != nil {
		return contract.Detail{}, err
	}
	span.SetAttributes(attribute.String("contract.id", draft.ID))

	w := &work{op: opCreate, now: now, contract: draft}
	err = c.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w.tx, w.events = tx, nil
		owner, err := tx.GetOwner(ctx, draft.OwnerID)
		if err != nil {
			return err
		}
		w.owner = &owner
		if err := tx.CreateContract(ctx, draft); err != nil {
			return err
		}
		for _, s := range signers {
			if err := tx.AddSigner(ctx, s); err != nil {
				return err
			}
		}
		return w.append(ctx, eventlog.ContractCreated, "", map[string]any{
			"title":       draft.Title,
			"signerCount": len(signers),
		})
	})
	if err != nil {
		return contract.Detail{}, err
	}
	w.signers, w.loaded = signers, true
	c.publish(w)
	c.logger.Info("contract created",
		zap.String("contract_id", draft.ID),
		zap.String("owner_id", draft.OwnerID),
		zap.Int("signers", len(signers)),
	)
	return contract.Detail{Contract: draft, Signers: signers}, nil
}

func (c *Coordinator) buildDraft(req CreateRequest, now time.Time) (contract.Contract, []contract.Signer, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return contract.Contract{}, nil, fmt.Errorf("%w: title is required", contract.ErrInvalidInput)
	}
	if req.OwnerID == "" {
		return contract.Contract{}, nil, fmt.Errorf("%w: owner is required", contract.ErrInvalidInput)
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil && c.cfg.ContractTTL > 0 {
		at := now.Add(c.cfg.ContractTTL)
		expiresAt = &at
	}
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return contract.Contract{}, nil, fmt.Errorf("%w: expiry must be in the future", contract.ErrInvalidInput)
		}
		at := expiresAt.UTC()
		expiresAt = &at
	}

	draft := contract.Contract{
		ID:          c.newID(),
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		OwnerID:     req.OwnerID,
		DocumentKey: req.DocumentKey,
		Status:      contract.StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expiresAt,
	}

	seen := make(map[string]struct{}, len(req.Signers))
	signers := make([]contract.Signer, 0, len(req.Signers))
	for i, in := range req.Signers {
		email := contract.NormalizeEmail(in.Email)
		if _, err := mail.ParseAddress(email); err != nil {
			return contract.Contract{}, nil, fmt.Errorf("%w: signer %d has an invalid email", contract.ErrInvalidInput, i+1)
		}
		if _, dup := seen[email]; dup {
			return contract.Contract{}, nil, fmt.Errorf("%w: %s", contract.ErrDuplicateSigner, email)
		}
		seen[email] = struct{}{}
		signers = append(signers, contract.Signer{
			ID:         c.newID(),
			ContractID: draft.ID,
			Email:      email,
			Name:       strings.TrimSpace(in.Name),
			Position:   i,
		})
	}
	return draft, signers, nil
}

// SendForSignature moves a DRAFT contract to SENT and mints one signature link
// per signer. CONTRACT_SENT and every EMAIL_SENT commit together; delivery
// happens after commit and its failure never undoes the send.
func (c *Coordinator) SendForSignature(ctx context.Context, contractID string) (invites []Invitation, err error) {
	ctx, span := c.startSpan(ctx, opSend, contractID)
	defer func() { endSpan(span, err) }()

	w, err := c.mutate(ctx, opSend, contractID, func(ctx context.Context, w *work) error {
		if err := authorizeOwner(ctx, w.contract); err != nil {
			return err
		}
		if err := contract.Require(opSend, w.contract.Status, contract.StatusDraft); err != nil {
			return err
		}
		signers, err := w.loadSigners(ctx)
		if err != nil {
			return err
		}
		if len(signers) == 0 {
			return fmt.Errorf("%w: contract has no signers", contract.ErrInvalidInput)
		}
		if _, err := w.loadOwner(ctx); err != nil {
			return err
		}
		if err := c.transition(ctx, w, contract.StatusSent); err != nil {
			return err
		}
		if err := w.append(ctx, eventlog.ContractSent, "", map[string]any{"signerCount": len(signers)}); err != nil {
			return err
		}

		invites = invites[:0]
		for _, s := range signers {
			inv, err := c.invite(ctx, w, s, MailSignatureRequest)
			if err != nil {
				return err
			}
			if err := w.append(ctx, eventlog.EmailSent, s.ID, map[string]any{
				"kind":      notify.KindSignatureRequest,
				"recipient": s.Email,
			}); err != nil {
				return err
			}
			invites = append(invites, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if w.conflict {
		return nil, nil
	}
	return invites, nil
}

func (c *Coordinator) invite(_ context.Context, w *work, s contract.Signer, kind MailKind) (Invitation, error) {
	tok, exp, err := c.tokens.IssueSignature(s.ID, w.contract.ID, s.Email, c.cfg.SignatureTTL)
	if err != nil {
		return Invitation{}, err
	}
	w.mail = append(w.mail, Mail{Kind: kind, Signer: s, Token: tok, ExpiresAt: exp})
	return Invitation{SignerID: s.ID, Email: s.Email, Token: tok, ExpiresAt: exp}, nil
}

// RecordView logs SIGNER_VIEWED. It changes no state.
func (c *Coordinator) RecordView(ctx context.Context, contractID, signerID string) (err error) {
	ctx, span := c.startSpan(ctx, opView, contractID)
	defer func() { endSpan(span, err) }()

	_, err = c.mutate(ctx, opView, contractID, func(ctx context.Context, w *work) error {
		if _, err := w.signer(ctx, signerID); err != nil {
			return err
		}
		return w.append(ctx, eventlog.SignerViewed, signerID, nil)
	})
	return err
}

type SubmitRequest struct {
	ContractID string
	SignerID   string
	Token      string
	// SignatureImage is a base64 data URL of the drawn signature.
	SignatureImage string
	// SignerName is the name typed on the signing page, if any.
	SignerName string
	// SignerEmail is the address confirmed on the signing page. When set it
	// must match the token's email.
	SignerEmail string
}

type SubmitResult struct {
	Status    contract.Status
	Completed bool
}

// SubmitSignature records one signer's signature. The first signature moves the
// contract to IN_PROGRESS; the one that completes the set moves it to SIGNED
// and logs CONTRACT_COMPLETED exactly once.
func (c *Coordinator) SubmitSignature(ctx context.Context, req SubmitRequest) (res SubmitResult, err error) {
	ctx, span := c.startSpan(ctx, opSubmit, req.ContractID)
	defer func() { endSpan(span, err) }()

	claims, err := c.tokens.Verify(req.Token)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := claims.Match(req.SignerID, req.ContractID, ""); err != nil {
		return SubmitResult{}, err
	}
	signerEmail := strings.TrimSpace(req.SignerEmail)
	if signerEmail != "" && !strings.EqualFold(signerEmail, claims.Email) {
		return SubmitResult{}, token.ErrTokenMismatch
	}
	image, contentType, err := decodeSignatureImage(req.SignatureImage)
	if err != nil {
		return SubmitResult{}, err
	}

	// Cheap rejection before the upload; the transaction re-checks everything.
	detail, err := c.store.GetContract(ctx, req.ContractID)
	if err != nil {
		return SubmitResult{}, err
	}
	s, ok := detail.Signer(req.SignerID)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: signer %s", contract.ErrNotFound, req.SignerID)
	}
	if !strings.EqualFold(s.Email, claims.Email) {
		return SubmitResult{}, token.ErrTokenMismatch
	}
	if detail.Contract.Due(c.now()) {
		if _, err := c.mutate(ctx, opSubmit, req.ContractID, nil); err != nil {
			return SubmitResult{}, err
		}
	}
	if err := requireSignerPhase(opSubmit, detail.Contract.Status); err != nil {
		return SubmitResult{}, err
	}
	if !s.Pending() {
		return SubmitResult{}, errSignerActed(s)
	}

	key := blob.SignatureKey(req.ContractID, req.SignerID, contentType)
	if err := c.archive.Put(ctx, key, image, contentType); err != nil {
		return SubmitResult{}, fmt.Errorf("signing: archive signature: %w", err)
	}

	w, err := c.mutate(ctx, opSubmit, req.ContractID, func(ctx context.Context, w *work) error {
		if err := requireSignerPhase(opSubmit, w.contract.Status); err != nil {
			return err
		}
		signer, err := w.signer(ctx, req.SignerID)
		if err != nil {
			return err
		}
		if !strings.EqualFold(signer.Email, claims.Email) {
			return token.ErrTokenMismatch
		}
		if !signer.Pending() {
			return errSignerActed(*signer)
		}
		ok, err := w.tx.MarkSigned(ctx, signer.ID, w.now, key)
		if err != nil {
			return err
		}
		if !ok {
			return errSignerActed(contract.Signer{ID: signer.ID, Signed: true})
		}
		signedAt := w.now
		signer.Signed, signer.SignedAt, signer.SignatureKey = true, &signedAt, &key

		name := strings.TrimSpace(req.SignerName)
		if name == "" {
			name = signer.DisplayName()
		}
		email := signerEmail
		if email == "" {
			email = signer.Email
		}
		if err := w.append(ctx, eventlog.SignerSigned, signer.ID, map[string]any{
			"signerName":   name,
			"signerEmail":  email,
			"signatureKey": key,
		}); err != nil {
			return err
		}

		if w.contract.Status == contract.StatusSent {
			if err := c.transition(ctx, w, contract.StatusInProgress); err != nil {
				return err
			}
		}
		if !contract.AllSigned(w.signers) {
			return nil
		}
		return c.complete(ctx, w)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if w.conflict {
		current, err := c.store.GetContract(ctx, req.ContractID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Status: current.Contract.Status}, nil
	}
	return SubmitResult{Status: w.contract.Status, Completed: w.completed}, nil
}

// requireSignerPhase rejects signer actions outside SENT and IN_PROGRESS.
func requireSignerPhase(op string, s contract.Status) error {
	if s.AcceptsSignerActions() {
		return nil
	}
	return &contract.StateError{Op: op, From: s, Want: []contract.Status{contract.StatusSent, contract.StatusInProgress}}
}

// complete finalizes a fully signed contract. A lost compare-and-swap keeps the
// signature and leaves completion to whoever won.
func (c *Coordinator) complete(ctx context.Context, w *work) error {
	ok, err := w.tx.CompareAndSetStatus(ctx, w.contract.ID,
		[]contract.Status{contract.StatusInProgress}, contract.StatusSigned, w.now)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Debug("signing: completion already recorded", zap.String("contract_id", w.contract.ID))
		return nil
	}
	w.transitions = append(w.transitions, [2]contract.Status{w.contract.Status, contract.StatusSigned})
	w.contract.Status = contract.StatusSigned
	w.contract.UpdatedAt = w.now
	w.completed = true

	owner, err := w.loadOwner(ctx)
	if err != nil {
		return err
	}
	if err := w.append(ctx, eventlog.ContractCompleted, "", map[string]any{
		"signerCount": len(w.signers),
	}); err != nil {
		return err
	}
	for i, recipient := range notify.Recipients(owner, w.signers) {
		kind := notify.KindCompletionSigner
		if i == 0 {
			kind = notify.KindCompletionOwner
		}
		if err := w.append(ctx, eventlog.EmailSent, "", map[string]any{
			"kind":      kind,
			"recipient": recipient,
		}); err != nil {
			return err
		}
	}
	return nil
}

// DeclineSignature records a signer's refusal and terminates the contract as DECLINED.
func (c *Coordinator) DeclineSignature(ctx context.Context, contractID, signerID, reason string) error {
	return c.decline(ctx, contractID, signerID, reason, "")
}

// DeclineWithToken is DeclineSignature for callers holding a signature link.
func (c *Coordinator) DeclineWithToken(ctx context.Context, tok, contractID, signerID, reason string) error {
	claims, err := c.tokens.Verify(tok)
	if err != nil {
		return err
	}
	if err := claims.Match(signerID, contractID, ""); err != nil {
		return err
	}
	return c.decline(ctx, contractID, signerID, reason, claims.Email)
}

func (c *Coordinator) decline(ctx context.Context, contractID, signerID, reason, email string) (err error) {
	ctx, span := c.startSpan(ctx, opDecline, contractID)
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	_, err = c.mutate(ctx, opDecline, contractID, func(ctx context.Context, w *work) error {
		if err := requireSignerPhase(opDecline, w.contract.Status); err != nil {
			return err
		}
		signer, err := w.signer(ctx, signerID)
		if err != nil {
			return err
		}
		if email != "" && !strings.EqualFold(signer.Email, email) {
			return token.ErrTokenMismatch
		}
		if !signer.Pending() {
			return errSignerActed(*signer)
		}
		ok, err := w.tx.MarkDeclined(ctx, signer.ID, reason, w.now)
		if err != nil {
			return err
		}
		if !ok {
			return errSignerActed(contract.Signer{ID: signer.ID, Declined: true})
		}
		declinedAt := w.now
		signer.Declined, signer.DeclinedAt, signer.DeclineReason = true, &declinedAt, &reason

		if err := w.append(ctx, eventlog.SignerDeclined, signer.ID, map[string]any{"reason": reason}); err != nil {
			return err
		}
		if err := c.transition(ctx, w, contract.StatusDeclined); err != nil {
			return err
		}
		if _, err := w.loadOwner(ctx); err != nil {
			return err
		}
		return w.append(ctx, eventlog.ContractDeclined, signer.ID, map[string]any{
			"reason":   reason,
			"signerId": signer.ID,
		})
	})
	return err
}

// SendReminder mints a fresh link for a signer who has not acted yet. Earlier
// links stay valid until their own expiry.
func (c *Coordinator) SendReminder(ctx context.Context, contractID, signerID string) (inv Invitation, err error) {
	ctx, span := c.startSpan(ctx, opReminder, contractID)
	defer func() { endSpan(span, err) }()

	w, err := c.mutate(ctx, opReminder, contractID, func(ctx context.Context, w *work) error {
		if err := authorizeOwner(ctx, w.contract); err != nil {
			return err
		}
		if err := contract.Require(opReminder, w.contract.Status, contract.NonTerminal()...); err != nil {
			return err
		}
		signer, err := w.signer(ctx, signerID)
		if err != nil {
			return err
		}
		if !signer.Pending() {
			return errSignerActed(*signer)
		}
		if _, err := w.loadOwner(ctx); err != nil {
			return err
		}
		inv, err = c.invite(ctx, w, *signer, MailReminder)
		if err != nil {
			return err
		}
		return w.append(ctx, eventlog.ReminderSent, signer.ID, map[string]any{
			"recipient": signer.Email,
			"expiresAt": inv.ExpiresAt.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return Invitation{}, err
	}
	if w.conflict {
		return Invitation{}, nil
	}
	return inv, nil
}

// Cancel terminates a non-terminal contract. Only its owner may cancel.
func (c *Coordinator) Cancel(ctx context.Context, contractID, actorID string) (err error) {
	ctx, span := c.startSpan(ctx, opCancel, contractID)
	defer func() { endSpan(span, err) }()

	_, err = c.mutate(ctx, opCancel, contractID, func(ctx context.Context, w *work) error {
		if actorID == "" || actorID != w.contract.OwnerID {
			return contract.ErrForbidden
		}
		if err := c.transition(ctx, w, contract.StatusCancelled); err != nil {
			return err
		}
		return w.append(ctx, eventlog.ContractCancelled, "", map[string]any{"actorId": actorID})
	})
	return err
}

// ExpireIfDue moves a due contract to EXPIRED and reports whether it did.
func (c *Coordinator) ExpireIfDue(ctx context.Context, contractID string) (expired bool, err error) {
	ctx, span := c.startSpan(ctx, opExpire, contractID)
	defer func() { endSpan(span, err) }()

	w, err := c.mutate(ctx, opExpire, contractID, nil)
	if err != nil {
		return false, err
	}
	return w.expired, nil
}

// Contract reads a contract with its signers, expiring it first when due.
func (c *Coordinator) Contract(ctx context.Context, contractID string) (contract.Detail, error) {
	detail, err := c.store.GetContract(ctx, contractID)
	if err != nil {
		return contract.Detail{}, err
	}
	if !detail.Contract.Due(c.now()) {
		return detail, nil
	}
	if _, err := c.ExpireIfDue(ctx, contractID); err != nil {
		return contract.Detail{}, err
	}
	return c.store.GetContract(ctx, contractID)
}

// Events returns the audit trail matching filter in insertion order.
func (c *Coordinator) Events(ctx context.Context, filter eventlog.Filter) ([]eventlog.Event, error) {
	return c.store.ListEvents(ctx, filter)
}

// CanView lets the owner and the contract's signers through.
func (c *Coordinator) CanView(ctx context.Context, contractID, userID, email string) error {
	detail, err := c.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}
	if userID != "" && userID == detail.Contract.OwnerID {
		return nil
	}
	if email != "" {
		for _, s := range detail.Signers {
			if strings.EqualFold(s.Email, email) {
				return nil
			}
		}
	}
	return contract.ErrForbidden
}

// Sweep expires up to limit due contracts and returns how many it expired.
func (c *Coordinator) Sweep(ctx context.Context, limit int) (int, error) {
	ids, err := c.store.ListDue(ctx, c.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("signing: list due contracts: %w", err)
	}
	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		ok, err := c.ExpireIfDue(ctx, id)
		if err != nil {
			c.logger.Warn("signing: expire contract failed", zap.String("contract_id", id), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}
