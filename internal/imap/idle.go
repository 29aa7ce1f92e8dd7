package imap

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// idlePollFallback is the NOOP polling interval for servers without IDLE.
const idlePollFallback = 30 * time.Second

// Watch keeps a dedicated listener connection idling on folder and calls onChange
// whenever the server reports a change to it. Errors reconnect with exponential backoff.
// Watch blocks until ctx is canceled or the pool is closed.
func (p *Pool) Watch(ctx context.Context, folder string, onChange func()) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 2 * time.Minute
	retry.MaxElapsedTime = 0

	for ctx.Err() == nil && !p.isClosed() {
		listener, err := p.openListener()
		if err != nil {
			log.Printf("IMAP IDLE: failed to open listener connection: %v", err)
		} else {
			started := time.Now()
			if err := p.runIdleLoop(ctx, listener, folder, onChange); err != nil {
				log.Printf("IMAP IDLE: idle loop on %s ended: %v", folder, err)
			}
			p.dropListener(listener)
			if time.Since(started) > retry.MaxInterval {
				retry.Reset()
			}
		}

		select {
		case <-ctx.Done():
		case <-p.done:
		case <-time.After(retry.NextBackOff()):
		}
	}
}

func (p *Pool) openListener() (*pooledClient, error) {
	c, err := dial(p.creds)
	if err != nil {
		return nil, err
	}

	listener := &pooledClient{client: c}
	listener.touch()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		listener.logout()
		return nil, ErrPoolClosed
	}
	p.listener = listener
	return listener, nil
}

func (p *Pool) dropListener(listener *pooledClient) {
	p.mu.Lock()
	if p.listener == listener {
		p.listener = nil
	}
	p.mu.Unlock()
	listener.logout()
}

// runIdleLoop idles until ctx is done or the connection fails.
func (p *Pool) runIdleLoop(ctx context.Context, listener *pooledClient, folder string, onChange func()) error {
	c := listener.client

	// Updates must be drained while idling or the client blocks.
	updates := make(chan imapclient.Update, 10)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	if _, err := c.Select(folder, true); err != nil {
		return err
	}

	idleClient := idle.NewClient(c)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, idlePollFallback)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			drain(updates, done)
			return nil
		case <-p.done:
			close(stop)
			drain(updates, done)
			return nil
		case err := <-done:
			return err
		case update := <-updates:
			if mboxUpdate, ok := update.(*imapclient.MailboxUpdate); ok && mboxUpdate.Mailbox != nil {
				listener.touch()
				onChange()
			}
		}
	}
}

// drain consumes updates until the idle command has returned.
func drain(updates chan imapclient.Update, done chan error) {
	for {
		select {
		case <-updates:
		case <-done:
			return
		}
	}
}
