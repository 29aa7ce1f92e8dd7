package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/cepmail/backend/internal/message"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Security selects how the connection to the submission server is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

const defaultTimeout = 30 * time.Second

type Config struct {
	Server   string
	Username string
	Password string
	Security Security
	// Timeout bounds connecting and every command after it. Zero means 30 seconds.
	Timeout time.Duration
}

// Sender submits already composed messages to an SMTP server, one connection per message.
type Sender struct {
	cfg Config
}

func NewSender(cfg Config) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Sender{cfg: cfg}
}

// Send transmits msg to recipients with the given envelope sender.
// Cancelling ctx aborts the submission and closes the connection.
func (s *Sender) Send(ctx context.Context, reversePath string, recipients []string, msg []byte) (err error) {
	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer func() {
		stop()
		_ = c.Close()
		if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
			err = fmt.Errorf("submission to %s aborted: %w", s.cfg.Server, ctxErr)
		}
	}()

	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
			if err := c.Auth(auth); err != nil {
				return fmt.Errorf("failed to authenticate: %w", err)
			}
		}
	}

	if err := c.Mail(reversePath, nil); err != nil {
		return fmt.Errorf("mail from failed: %w", err)
	}

	for _, recipient := range recipients {
		if err := c.Rcpt(recipient, nil); err != nil {
			return fmt.Errorf("rcpt to %s failed: %w", recipient, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("server rejected message: %w", err)
	}

	if err := c.Quit(); err != nil {
		log.Printf("SMTP: quit failed after successful submission: %v", err)
	}
	return nil
}

func (s *Sender) dial(ctx context.Context) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(s.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP server address %q: %w", s.cfg.Server, err)
	}
	tlsConfig := &tls.Config{ServerName: host}
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	var conn net.Conn
	if s.cfg.Security == SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", s.cfg.Server)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Server)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.cfg.Server, err)
	}

	// The greeting and STARTTLS run before Send can watch ctx.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	var c *smtp.Client
	if s.cfg.Security == SecurityStartTLS {
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return nil, fmt.Errorf("failed to start TLS with %s: %w", s.cfg.Server, err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = s.cfg.Timeout
	c.SubmissionTimeout = s.cfg.Timeout
	return c, nil
}

// SentAppender stores a copy of a sent message in a mailbox folder.
type SentAppender interface {
	Append(ctx context.Context, folder string, flags []string, date time.Time, raw []byte) error
}

// Transport composes outgoing messages and submits them.
// Some providers file submitted mail in the sent folder themselves; for the
// others a copy is appended through the mailbox connection.
type Transport struct {
	sender     *Sender
	appender   SentAppender
	sentFolder string
}

// NewTransport creates a Transport. appender may be nil when the provider keeps its own copy.
func NewTransport(sender *Sender, appender SentAppender, sentFolder string) *Transport {
	return &Transport{sender: sender, appender: appender, sentFolder: sentFolder}
}

// Send composes out, submits it and, when configured, files a copy in the sent folder.
// out.MessageID is filled in by composition.
func (t *Transport) Send(ctx context.Context, out *message.Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := message.Compose(out)
	if err != nil {
		return err
	}

	from := message.AddressOnly(out.From)
	to := message.AddressOnly(out.To)
	if err := t.sender.Send(ctx, from, []string{to}, raw); err != nil {
		return err
	}

	if t.appender != nil {
		if err := t.appender.Append(ctx, t.sentFolder, []string{imap.SeenFlag}, out.Date, raw); err != nil {
			log.Printf("Warning: message %s was sent but could not be copied to %s: %v", out.MessageID, t.sentFolder, err)
		}
	}

	return nil
}
