// Package notify renders and sends the transactional email of the signing
// pipeline. Delivery failures are logged and recorded, never fatal: the state
// transition that triggered the mail is already committed.
package notify

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/message"

	"signflow/contract"
	"signflow/store"
)

// ErrNotificationDelivery marks a mail that could not be handed to the transport.
var ErrNotificationDelivery = errors.New("notify: delivery failed")

// Kinds recorded with EMAIL_SENT payloads and notification failures.
const (
	KindSignatureRequest = "signature_request"
	KindReminder         = "reminder"
	KindCompletionOwner  = "completion_owner"
	KindCompletionSigner = "completion_signer"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// Message is one rendered email.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Mailer is the mail transport collaborator. Retry policy, if any, lives here.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// FailureRecorder keeps missed notifications for reconciliation.
type FailureRecorder interface {
	RecordNotificationFailure(ctx context.Context, f store.NotificationFailure) error
}

type Config struct {
	AppName string
	BaseURL string
	Locale  string
	// MaxParallel bounds concurrent sends for completion fan-out.
	MaxParallel int
	// SendTimeout bounds one transport call. Zero disables the bound.
	SendTimeout time.Duration
}

type Dispatcher struct {
	mailer   Mailer
	failures FailureRecorder
	logger   *zap.Logger
	cfg      Config
	printer  *message.Printer
	html     *htmltemplate.Template
	text     *texttemplate.Template
	now      func() time.Time
}

func NewDispatcher(cfg Config, mailer Mailer, failures FailureRecorder, logger *zap.Logger) (*Dispatcher, error) {
	if mailer == nil {
		return nil, fmt.Errorf("notify: mailer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AppName == "" {
		cfg.AppName = "SignaturePro"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}

	printer, err := newPrinter(cfg.Locale)
	if err != nil {
		return nil, fmt.Errorf("notify: build catalog: %w", err)
	}
	translate := func(key string, args ...any) string { return printer.Sprintf(key, args...) }

	html, err := htmltemplate.New("mail").
		Funcs(htmltemplate.FuncMap{"t": translate}).
		ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("notify: parse html templates: %w", err)
	}
	text, err := texttemplate.New("mail").
		Funcs(texttemplate.FuncMap{"t": translate}).
		ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("notify: parse text templates: %w", err)
	}

	return &Dispatcher{
		mailer:   mailer,
		failures: failures,
		logger:   logger,
		cfg:      cfg,
		printer:  printer,
		html:     html,
		text:     text,
		now:      time.Now,
	}, nil
}

// SignatureLink builds {baseUrl}/sign/{contractId}?token={token}.
func (d *Dispatcher) SignatureLink(contractID, tok string) string {
	return d.cfg.BaseURL + "/sign/" + url.PathEscape(contractID) + "?token=" + url.QueryEscape(tok)
}

// ContractLink builds the document link used by completion mail.
func (d *Dispatcher) ContractLink(contractID string) string {
	return d.cfg.BaseURL + "/contracts/" + url.PathEscape(contractID)
}

type requestView struct {
	Subject       string
	AppName       string
	RecipientName string
	OwnerName     string
	ContractTitle string
	URL           string
	Reminder      bool
}

type completedView struct {
	Subject       string
	AppName       string
	RecipientName string
	ContractTitle string
	URL           string
	IsOwner       bool
	SignerCount   int
}

// NotifyForSignature mails the signature link to signer.
func (d *Dispatcher) NotifyForSignature(ctx context.Context, signer contract.Signer, c contract.Contract, owner contract.Owner, tok string) error {
	return d.sendRequest(ctx, signer, c, owner, tok, false)
}

// NotifyReminder mails the same link template flagged as a reminder.
func (d *Dispatcher) NotifyReminder(ctx context.Context, signer contract.Signer, c contract.Contract, owner contract.Owner, tok string) error {
	return d.sendRequest(ctx, signer, c, owner, tok, true)
}

func (d *Dispatcher) sendRequest(ctx context.Context, signer contract.Signer, c contract.Contract, owner contract.Owner, tok string, reminder bool) error {
	kind, subjectKey := KindSignatureRequest, keySubjectRequest
	if reminder {
		kind, subjectKey = KindReminder, keySubjectReminder
	}
	view := requestView{
		Subject:       d.printer.Sprintf(subjectKey, d.title(c, keyUntitledRequest)),
		AppName:       d.cfg.AppName,
		RecipientName: signer.DisplayName(),
		OwnerName:     owner.DisplayName(),
		ContractTitle: d.title(c, keyUntitledRequest),
		URL:           d.SignatureLink(c.ID, tok),
		Reminder:      reminder,
	}
	msg, err := d.render("request", view.Subject, signer.Email, view.RecipientName, view)
	if err != nil {
		return d.fail(ctx, c.ID, signer.Email, kind, err)
	}
	return d.deliver(ctx, c.ID, kind, msg)
}

// NotifyCompletion mails the owner variant to the owner and the signer variant
// to every signer whose address differs from the owner's. Sends run
// concurrently and one failure never prevents the others.
func (d *Dispatcher) NotifyCompletion(ctx context.Context, c contract.Contract, owner contract.Owner, signers []contract.Signer) error {
	type job struct {
		to   string
		kind string
		view completedView
	}
	title := d.title(c, keyUntitledDocument)
	subject := d.printer.Sprintf(keySubjectCompleted, title)
	link := d.ContractLink(c.ID)

	jobs := []job{{
		to:   owner.Email,
		kind: KindCompletionOwner,
		view: completedView{
			Subject:       subject,
			AppName:       d.cfg.AppName,
			RecipientName: owner.DisplayName(),
			ContractTitle: title,
			URL:           link,
			IsOwner:       true,
			SignerCount:   len(signers),
		},
	}}
	for _, s := range signers {
		if contract.NormalizeEmail(s.Email) == contract.NormalizeEmail(owner.Email) {
			continue
		}
		jobs = append(jobs, job{
			to:   s.Email,
			kind: KindCompletionSigner,
			view: completedView{
				Subject:       subject,
				AppName:       d.cfg.AppName,
				RecipientName: s.DisplayName(),
				ContractTitle: title,
				URL:           link,
				SignerCount:   len(signers),
			},
		})
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for _, j := range jobs {
		g.Go(func() error {
			msg, err := d.render("completed", subject, j.to, j.view.RecipientName, j.view)
			if err != nil {
				return d.fail(ctx, c.ID, j.to, j.kind, err)
			}
			return d.deliver(ctx, c.ID, j.kind, msg)
		})
	}
	return g.Wait()
}

// Recipients lists the addresses NotifyCompletion mails, owner first.
func Recipients(owner contract.Owner, signers []contract.Signer) []string {
	out := []string{owner.Email}
	for _, s := range signers {
		if contract.NormalizeEmail(s.Email) != contract.NormalizeEmail(owner.Email) {
			out = append(out, s.Email)
		}
	}
	return out
}

func (d *Dispatcher) title(c contract.Contract, fallbackKey string) string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	return d.printer.Sprintf(fallbackKey)
}

func (d *Dispatcher) render(name, subject, to, toName string, view any) (Message, error) {
	var html, text bytes.Buffer
	if err := d.html.ExecuteTemplate(&html, name+".html", view); err != nil {
		return Message{}, fmt.Errorf("notify: render %s html: %w", name, err)
	}
	if err := d.text.ExecuteTemplate(&text, name+".txt", view); err != nil {
		return Message{}, fmt.Errorf("notify: render %s text: %w", name, err)
	}
	return Message{
		To:      to,
		ToName:  toName,
		Subject: subject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func (d *Dispatcher) deliver(ctx context.Context, contractID, kind string, msg Message) error {
	sendCtx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	if err := d.mailer.Send(sendCtx, msg); err != nil {
		return d.fail(ctx, contractID, msg.To, kind, err)
	}
	d.logger.Info("notification sent",
		zap.String("contract_id", contractID),
		zap.String("recipient", msg.To),
		zap.String("kind", kind),
	)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, contractID, recipient, kind string, cause error) error {
	d.logger.Warn("notification delivery failed",
		zap.String("contract_id", contractID),
		zap.String("recipient", recipient),
		zap.String("kind", kind),
		zap.Error(cause),
	)
	if d.failures != nil {
		rerr := d.failures.RecordNotificationFailure(context.WithoutCancel(ctx), store.NotificationFailure{
			ContractID: contractID,
			Recipient:  recipient,
			Kind:       kind,
			Reason:     cause.Error(),
			At:         d.now(),
		})
		if rerr != nil {
			d.logger.Error("record notification failure",
				zap.String("contract_id", contractID),
				zap.String("recipient", recipient),
				zap.Error(rerr),
			)
		}
	}
	return fmt.Errorf("%w: %s to %s: %v", ErrNotificationDelivery, kind, recipient, cause)
}
