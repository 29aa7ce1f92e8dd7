package testutil

import (
	"errors"
	"io"
	"net"
	"slices"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const (
	smtpTestUser     = "cep-relay"
	smtpTestPassword = "relay-secret"
)

// ReceivedMessage is one message the relay accepted.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// TestSMTPServer is an in-memory relay standing in for the committee's
// outgoing mail server. It requires AUTH PLAIN and keeps every delivery.
type TestSMTPServer struct {
	Address string

	server *smtp.Server

	mu         sync.Mutex
	deliveries []*ReceivedMessage
	unknown    map[string]bool
	closeOnce  sync.Once
}

// NewTestSMTPServer starts a relay on a loopback port. It is shut down
// automatically when the test finishes.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("SMTP relay could not listen: %v", err)
	}

	relay := &TestSMTPServer{
		Address: listener.Addr().String(),
		unknown: make(map[string]bool),
	}
	relay.server = smtp.NewServer(relay)
	relay.server.Domain = "relay.cep.test"
	relay.server.AllowInsecureAuth = true

	go func() {
		if err := relay.server.Serve(listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			t.Logf("SMTP relay stopped: %v", err)
		}
	}()

	t.Cleanup(relay.Close)
	return relay
}

// NewSession implements smtp.Backend.
func (r *TestSMTPServer) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &relaySession{relay: r}, nil
}

// Close stops the relay. Calling it more than once is harmless.
func (r *TestSMTPServer) Close() {
	r.closeOnce.Do(func() {
		_ = r.server.Close()
	})
}

// Username is the only login the relay accepts.
func (r *TestSMTPServer) Username() string { return smtpTestUser }

// Password pairs with Username.
func (r *TestSMTPServer) Password() string { return smtpTestPassword }

// RejectRecipient makes RCPT TO fail with 550 for address.
func (r *TestSMTPServer) RejectRecipient(address string) {
	r.mu.Lock()
	r.unknown[address] = true
	r.mu.Unlock()
}

// GetMessages returns a snapshot of everything delivered so far.
func (r *TestSMTPServer) GetMessages() []*ReceivedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deliveries)
}

// ClearMessages forgets previous deliveries.
func (r *TestSMTPServer) ClearMessages() {
	r.mu.Lock()
	r.deliveries = nil
	r.mu.Unlock()
}

func (r *TestSMTPServer) isUnknown(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unknown[address]
}

func (r *TestSMTPServer) deliver(msg *ReceivedMessage) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, msg)
	r.mu.Unlock()
}

// relaySession collects one envelope at a time.
type relaySession struct {
	relay    *TestSMTPServer
	envelope ReceivedMessage
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username == smtpTestUser && password == smtpTestPassword {
			return nil
		}
		return smtp.ErrAuthFailed
	}), nil
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.envelope.From = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.relay.isUnknown(to) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Mailbox unavailable",
		}
	}
	s.envelope.To = append(s.envelope.To, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.relay.deliver(&ReceivedMessage{
		From: s.envelope.From,
		To:   slices.Clone(s.envelope.To),
		Data: data,
	})
	return nil
}

func (s *relaySession) Reset() {
	s.envelope = ReceivedMessage{}
}

func (s *relaySession) Logout() error {
	return nil
}
