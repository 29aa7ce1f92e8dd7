package imap

import (
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Credentials describe the single shared committee mailbox.
type Credentials struct {
	Server   string
	Username string
	Password string
	// UseTLS is false only against local test servers.
	UseTLS bool
}

// pooledClient is a logged-in connection owned by at most one session at a time.
type pooledClient struct {
	client   *client.Client
	lastUsed time.Time
}

func (c *pooledClient) touch() {
	c.lastUsed = time.Now()
}

// usable reports whether the connection is still logged in.
func (c *pooledClient) usable() bool {
	state := c.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

// healthy is usable plus a NOOP round trip when the connection sat idle for a while.
func (c *pooledClient) healthy() bool {
	if !c.usable() {
		return false
	}
	if time.Since(c.lastUsed) > healthCheckThreshold {
		return c.client.Noop() == nil
	}
	return true
}

func (c *pooledClient) logout() {
	_ = c.client.Logout()
}

// dialTimeout bounds the TCP and TLS handshake, not the IMAP login.
const dialTimeout = 5 * time.Second

// dial opens a connection to creds.Server and logs in.
func dial(creds Credentials) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		c   *client.Client
		err error
	)
	if creds.UseTLS {
		c, err = client.DialWithDialerTLS(dialer, creds.Server, nil)
	} else {
		c, err = client.DialWithDialer(dialer, creds.Server)
	}
	if err != nil {
		return nil, fmt.Errorf("could not reach %s: %w", creds.Server, err)
	}

	if err := c.Login(creds.Username, creds.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("login as %s rejected: %w", creds.Username, err)
	}
	return c, nil
}
