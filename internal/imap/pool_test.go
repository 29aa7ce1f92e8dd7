package imap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cepmail/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestPool(t *testing.T, server *testutil.TestIMAPServer, maxWorkers int) *Pool {
	t.Helper()

	pool := NewPool(Credentials{
		Server:   server.Address,
		Username: server.Username(),
		Password: server.Password(),
		UseTLS:   false,
	}, maxWorkers)
	t.Cleanup(pool.Close)
	return pool
}

func TestPoolReusesConnections(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	pool := newTestPool(t, server, 2)
	ctx := context.Background()

	session, err := pool.Open(ctx, "INBOX", true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	first := session.pc
	session.Close()
	session.Close()

	assert.Equal(t, 1, pool.workers.size())

	session, err = pool.Open(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()

	assert.Same(t, first, session.pc, "expected the idle connection to be reused")
	assert.Equal(t, "INBOX", session.Folder())
	assert.NotZero(t, session.UIDValidity())
}

func TestPoolRespectsMaxWorkers(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	pool := newTestPool(t, server, 1)

	held, err := pool.Open(context.Background(), "INBOX", true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = pool.Open(ctx, "INBOX", true)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "expected to wait for the only worker, got %v", err)

	held.Close()

	session, err := pool.Open(context.Background(), "INBOX", true)
	assert.NoError(t, err)
	session.Close()
}

func TestPoolOpenUnknownFolderReleasesWorker(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	pool := newTestPool(t, server, 1)

	_, err := pool.Open(context.Background(), "Does/Not/Exist", true)
	assert.Error(t, err)

	session, err := pool.Open(context.Background(), "INBOX", true)
	assert.NoError(t, err, "a failed select must give the worker slot back")
	session.Close()
}

func TestPoolClosed(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	pool := newTestPool(t, server, 1)

	session, err := pool.Open(context.Background(), "INBOX", true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	pool.Close()
	session.Close()

	_, err = pool.Open(context.Background(), "INBOX", true)
	assert.True(t, errors.Is(err, ErrPoolClosed))
	assert.Equal(t, 0, pool.workers.size())
}

func TestPoolBadCredentials(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	pool := NewPool(Credentials{Server: server.Address, Username: "username", Password: "wrong"}, 1)
	defer pool.Close()

	_, err := pool.Open(context.Background(), "INBOX", true)
	assert.Error(t, err)
}

func TestEvictIdleWorkers(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	pool := newTestPool(t, server, 2)

	session, err := pool.Open(context.Background(), "INBOX", true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	pc := session.pc
	session.Close()

	pc.lastUsed = time.Now().Add(-workerIdleTimeout - time.Minute)
	pool.evictIdleWorkers()

	assert.Equal(t, 0, pool.workers.size())
}

func TestWatchStopsOnCancel(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	pool := newTestPool(t, server, 1)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		pool.Watch(ctx, "INBOX", func() {})
		close(stopped)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
