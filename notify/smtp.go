package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	Timeout  time.Duration
}

// SMTPMailer delivers messages through an SMTP relay. Each send dials its own
// client, so concurrent sends never share a connection.
type SMTPMailer struct {
	host     string
	opts     []mail.Option
	from     string
	fromName string
}

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("notify: smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("notify: sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if _, err := mail.NewClient(cfg.Host, opts...); err != nil {
		return nil, fmt.Errorf("notify: smtp client: %w", err)
	}
	return &SMTPMailer{host: cfg.Host, opts: opts, from: cfg.From, fromName: cfg.FromName}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	out := mail.NewMsg()
	if m.fromName != "" {
		if err := out.FromFormat(m.fromName, m.from); err != nil {
			return fmt.Errorf("notify: from address: %w", err)
		}
	} else if err := out.From(m.from); err != nil {
		return fmt.Errorf("notify: from address: %w", err)
	}
	if msg.ToName != "" {
		if err := out.AddToFormat(msg.ToName, msg.To); err != nil {
			return fmt.Errorf("notify: recipient: %w", err)
		}
	} else if err := out.To(msg.To); err != nil {
		return fmt.Errorf("notify: recipient: %w", err)
	}
	out.Subject(msg.Subject)
	out.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		out.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}
	client, err := mail.NewClient(m.host, m.opts...)
	if err != nil {
		return fmt.Errorf("notify: smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}

// LogMailer discards messages. It stands in when no SMTP relay is configured.
type LogMailer struct {
	Sent func(msg Message)
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	if m.Sent != nil {
		m.Sent(msg)
	}
	return nil
}
