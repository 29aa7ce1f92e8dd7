package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// workerIdleTimeout is the maximum time a worker connection can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
	// evictionInterval is how often idle worker connections are looked for.
	evictionInterval = time.Minute
)

// ErrPoolClosed is returned by Open and Append after Close.
var ErrPoolClosed = errors.New("imap pool is closed")

// Pool manages the connections to the committee mailbox.
// Worker connections back Sessions and appends; at most maxWorkers exist at once.
// One dedicated listener connection runs IDLE (see Watch).
//
// A connection belongs to exactly one Session between Open and Close, so the
// go-imap client never sees concurrent commands.
type Pool struct {
	creds    Credentials
	workers  *workerClientSet
	mu       sync.Mutex
	closed   bool
	listener *pooledClient
	done     chan struct{}
}

// NewPool creates a connection pool for the given account. No connection is made until first use.
func NewPool(creds Credentials, maxWorkers int) *Pool {
	p := &Pool{
		creds:   creds,
		workers: newWorkerClientSet(maxWorkers),
		done:    make(chan struct{}),
	}
	go p.evictIdleWorkersUntilClosed()
	return p
}

// Open selects folder on a worker connection and returns a session that owns it until Close.
// Callers must always close the session, on every path.
func (p *Pool) Open(ctx context.Context, folder string, readOnly bool) (*Session, error) {
	pc, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	status, err := pc.client.Select(folder, readOnly)
	if err != nil {
		p.release(pc)
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}

	return &Session{
		pool:        p,
		pc:          pc,
		folder:      folder,
		readOnly:    readOnly,
		uidValidity: status.UidValidity,
	}, nil
}

// Append stores raw in folder with the given flags.
func (p *Pool) Append(ctx context.Context, folder string, flags []string, date time.Time, raw []byte) error {
	pc, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(pc)

	if err := pc.client.Append(folder, flags, date, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	return nil
}

// Close logs out every connection and stops the eviction goroutine. Closing twice is a no-op.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	listener := p.listener
	p.listener = nil
	p.mu.Unlock()

	p.workers.close()
	if listener != nil {
		listener.logout()
	}
}

// acquire blocks until a worker slot is free, then reuses a healthy idle connection or dials a new one.
func (p *Pool) acquire(ctx context.Context) (*pooledClient, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	select {
	case p.workers.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for pc := p.workers.pop(); pc != nil; pc = p.workers.pop() {
		if pc.healthy() {
			pc.touch()
			return pc, nil
		}
		pc.logout()
	}

	c, err := dial(p.creds)
	if err != nil {
		<-p.workers.semaphore
		return nil, err
	}

	pc := &pooledClient{client: c}
	pc.touch()
	return pc, nil
}

// release hands a connection back. Broken connections and connections released after Close are logged out.
func (p *Pool) release(pc *pooledClient) {
	defer func() { <-p.workers.semaphore }()

	if p.isClosed() || !pc.usable() {
		pc.logout()
		return
	}
	pc.touch()
	p.workers.push(pc)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) evictIdleWorkersUntilClosed() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictIdleWorkers()
		}
	}
}

// evictIdleWorkers logs out pooled worker connections unused for longer than workerIdleTimeout.
func (p *Pool) evictIdleWorkers() {
	if closed := p.workers.evictIdle(workerIdleTimeout); closed > 0 {
		log.Printf("IMAP pool: closed %d idle worker connections", closed)
	}
}
