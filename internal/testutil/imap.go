package testutil

import (
	"bytes"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// The memory backend ships with a single account using these credentials.
const (
	imapTestUser     = "username"
	imapTestPassword = "password"
)

// TestIMAPServer is an in-memory mailbox standing in for the committee's
// IMAP account. Helpers open a short-lived client per call so tests never
// share connection state with the code under test.
type TestIMAPServer struct {
	Address string

	server    *server.Server
	closeOnce sync.Once
}

// NewTestIMAPServer starts a mailbox on a loopback port. It is shut down
// automatically when the test finishes.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("IMAP mailbox could not listen: %v", err)
	}

	srv := server.New(memory.New())
	srv.AllowInsecureAuth = true

	mailbox := &TestIMAPServer{Address: listener.Addr().String(), server: srv}
	go func() {
		// Serve returns once the listener is closed.
		_ = srv.Serve(listener)
	}()

	t.Cleanup(mailbox.Close)
	return mailbox
}

// Close stops the mailbox. Calling it more than once is harmless.
func (s *TestIMAPServer) Close() {
	s.closeOnce.Do(func() {
		_ = s.server.Close()
	})
}

// Username is the account the memory backend provides.
func (s *TestIMAPServer) Username() string { return imapTestUser }

// Password pairs with Username.
func (s *TestIMAPServer) Password() string { return imapTestPassword }

// withFolder logs in, selects folder and hands the client to fn.
func (s *TestIMAPServer) withFolder(t *testing.T, folder string, readOnly bool, fn func(c *imapclient.Client, status *imap.MailboxStatus)) {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("IMAP mailbox dial: %v", err)
	}
	defer func() { _ = c.Logout() }()

	if err := c.Login(imapTestUser, imapTestPassword); err != nil {
		t.Fatalf("IMAP mailbox login: %v", err)
	}
	if folder == "" {
		fn(c, nil)
		return
	}

	status, err := c.Select(folder, readOnly)
	if err != nil {
		t.Fatalf("IMAP mailbox select %s: %v", folder, err)
	}
	fn(c, status)
}

// EnsureFolder creates folder unless it already exists.
func (s *TestIMAPServer) EnsureFolder(t *testing.T, folder string) {
	t.Helper()

	s.withFolder(t, "", true, func(c *imapclient.Client, _ *imap.MailboxStatus) {
		if _, err := c.Select(folder, true); err == nil {
			return
		}
		if err := c.Create(folder); err != nil {
			t.Fatalf("IMAP mailbox create %s: %v", folder, err)
		}
	})
}

// EmptyFolder expunges every message in folder. The memory backend seeds
// INBOX with a sample message, so inbox tests start by calling this.
func (s *TestIMAPServer) EmptyFolder(t *testing.T, folder string) {
	t.Helper()

	s.withFolder(t, folder, false, func(c *imapclient.Client, status *imap.MailboxStatus) {
		if status.Messages == 0 {
			return
		}
		all := new(imap.SeqSet)
		all.AddRange(1, status.Messages)
		deleted := []interface{}{imap.DeletedFlag}
		if err := c.Store(all, imap.FormatFlagsOp(imap.AddFlags, true), deleted, nil); err != nil {
			t.Fatalf("IMAP mailbox mark deleted: %v", err)
		}
		if err := c.Expunge(nil); err != nil {
			t.Fatalf("IMAP mailbox expunge: %v", err)
		}
	})
}

// AppendRaw stores raw in folder with flags and returns the UID it got.
func (s *TestIMAPServer) AppendRaw(t *testing.T, folder string, raw []byte, flags ...string) uint32 {
	t.Helper()

	var uid uint32
	s.withFolder(t, "", true, func(c *imapclient.Client, _ *imap.MailboxStatus) {
		if err := c.Append(folder, append([]string{}, flags...), time.Now(), bytes.NewReader(raw)); err != nil {
			t.Fatalf("IMAP mailbox append to %s: %v", folder, err)
		}
		if _, err := c.Select(folder, true); err != nil {
			t.Fatalf("IMAP mailbox select %s: %v", folder, err)
		}
		uids, err := c.UidSearch(imap.NewSearchCriteria())
		if err != nil || len(uids) == 0 {
			t.Fatalf("IMAP mailbox lost the appended message: %v", err)
		}
		// UIDs grow monotonically, so the newest message has the largest one.
		uid = slices.Max(uids)
	})
	return uid
}

// Flags returns the flags stored on uid in folder.
func (s *TestIMAPServer) Flags(t *testing.T, folder string, uid uint32) []string {
	t.Helper()

	var flags []string
	s.withFolder(t, folder, true, func(c *imapclient.Client, _ *imap.MailboxStatus) {
		set := new(imap.SeqSet)
		set.AddNum(uid)

		ch := make(chan *imap.Message, 1)
		errc := make(chan error, 1)
		go func() {
			errc <- c.UidFetch(set, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, ch)
		}()
		for msg := range ch {
			flags = msg.Flags
		}
		if err := <-errc; err != nil {
			t.Fatalf("IMAP mailbox fetch flags: %v", err)
		}
	})
	return flags
}

// HasFlag reports whether uid in folder carries flag.
func (s *TestIMAPServer) HasFlag(t *testing.T, folder string, uid uint32, flag string) bool {
	t.Helper()
	return slices.Contains(s.Flags(t, folder, uid), flag)
}

// SimpleMessage renders a plain-text RFC 5322 message. Empty messageID
// or inReplyTo leave the header out.
func SimpleMessage(messageID, inReplyTo, from, to, subject, body string) []byte {
	headers := [][2]string{
		{"Message-Id", messageID},
		{"In-Reply-To", inReplyTo},
		{"Date", time.Now().Format(time.RFC1123Z)},
		{"From", from},
		{"To", to},
		{"Subject", subject},
		{"Content-Type", "text/plain; charset=utf-8"},
	}

	var b strings.Builder
	for _, h := range headers {
		if h[1] != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
		}
	}
	b.WriteString("\r\n" + body + "\r\n")
	return []byte(b.String())
}
