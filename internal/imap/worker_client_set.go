package imap

import (
	"sync"
	"time"
)

// workerClientSet holds the idle worker connections.
// The semaphore bounds how many connections exist at once, idle or in use.
type workerClientSet struct {
	idle      []*pooledClient
	semaphore chan struct{}
	mu        sync.Mutex
}

func newWorkerClientSet(maxWorkers int) *workerClientSet {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &workerClientSet{
		semaphore: make(chan struct{}, maxWorkers),
	}
}

// pop takes the most recently used idle connection, or nil when there is none.
func (s *workerClientSet) pop() *pooledClient {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.idle) == 0 {
		return nil
	}
	c := s.idle[len(s.idle)-1]
	s.idle = s.idle[:len(s.idle)-1]
	return c
}

func (s *workerClientSet) push(c *pooledClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = append(s.idle, c)
}

// evictIdle logs out connections that sat unused for longer than maxIdle and returns how many were closed.
func (s *workerClientSet) evictIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	var stale []*pooledClient
	kept := s.idle[:0]
	for _, c := range s.idle {
		if time.Since(c.lastUsed) > maxIdle {
			stale = append(stale, c)
		} else {
			kept = append(kept, c)
		}
	}
	s.idle = kept
	s.mu.Unlock()

	for _, c := range stale {
		c.logout()
	}
	return len(stale)
}

// size returns the number of idle connections.
func (s *workerClientSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle)
}

// close logs out every idle connection. Connections currently held by sessions are closed on release.
func (s *workerClientSet) close() {
	s.mu.Lock()
	idle := s.idle
	s.idle = nil
	s.mu.Unlock()

	for _, c := range idle {
		c.logout()
	}
}
