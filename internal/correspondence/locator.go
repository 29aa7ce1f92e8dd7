package correspondence

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cepmail/backend/internal/imap"
	"github.com/cepmail/backend/internal/message"
)

// ErrLocatorNotFound means the sent copy of a message could not be found in time.
// Callers keep going without a provider message id.
var ErrLocatorNotFound = errors.New("sent message not found in mailbox")

// errNotIndexed marks an attempt that did not see the copy yet; it is retried.
var errNotIndexed = errors.New("sent message not indexed yet")

// Servers mis-index subjects with characters outside this set, so those searches go by recipient.
var searchableSubject = regexp.MustCompile(`^[A-Za-z0-9\s.,!?]*$`)

const (
	defaultLocatorAttempts = 3
	defaultLocatorBackoff  = 500 * time.Millisecond
	defaultLocatorBudget   = 5 * time.Second

	// maxLocatorCandidates bounds the header fetches per attempt; the copy being
	// looked for is among the newest matches.
	maxLocatorCandidates = 25
)

type LocatorConfig struct {
	// Attempts is the number of searches made before giving up.
	Attempts int
	// InitialBackoff is the wait before the second attempt; later waits grow exponentially.
	InitialBackoff time.Duration
	// Budget caps the total time spent in one Locate call.
	Budget time.Duration
}

// Locator recovers the provider message id of a message just sent, by searching the sent folder.
// Only a sent copy that carries the Message-Id the message was composed with is accepted, so
// earlier mail to the same recipient can never be mistaken for it.
type Locator struct {
	cfg LocatorConfig
}

func NewLocator(cfg LocatorConfig) *Locator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultLocatorAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultLocatorBackoff
	}
	if cfg.Budget <= 0 {
		cfg.Budget = defaultLocatorBudget
	}
	return &Locator{cfg: cfg}
}

// searchCriterion picks the header to search the sent folder by.
func searchCriterion(subject, recipient string) (field, value string) {
	if subject != "" && searchableSubject.MatchString(subject) {
		return "Subject", subject
	}
	return "To", recipient
}

// Locate searches sent by subject or recipient, newest first, for the copy whose Message-Id is
// messageID and returns the id as the server reports it.
// It retries with exponential backoff within the configured attempts and budget, then returns ErrLocatorNotFound.
func (l *Locator) Locate(ctx context.Context, subject, recipient, messageID string, sent Mailbox) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.InitialBackoff
	policy.MaxElapsedTime = l.cfg.Budget

	var found string
	operation := func() error {
		id, err := l.attempt(ctx, subject, recipient, messageID, sent)
		if err != nil {
			return err
		}
		found = id
		return nil
	}

	retries := backoff.WithMaxRetries(policy, uint64(l.cfg.Attempts-1))
	if err := backoff.Retry(operation, backoff.WithContext(retries, ctx)); err != nil {
		if errors.Is(err, errNotIndexed) {
			return "", ErrLocatorNotFound
		}
		return "", err
	}
	return found, nil
}

// LocateOnce makes a single search without waiting.
func (l *Locator) LocateOnce(ctx context.Context, subject, recipient, messageID string, sent Mailbox) (string, error) {
	id, err := l.attempt(ctx, subject, recipient, messageID, sent)
	if errors.Is(err, errNotIndexed) {
		return "", ErrLocatorNotFound
	}
	return id, err
}

func (l *Locator) attempt(ctx context.Context, subject, recipient, messageID string, sent Mailbox) (string, error) {
	want := message.DecodeMessageID(messageID)
	if want == "" {
		return "", backoff.Permanent(errNotIndexed)
	}

	// NOOP makes the server report messages that arrived since the folder was selected.
	if err := sent.Refresh(ctx); err != nil {
		return "", err
	}

	field, value := searchCriterion(subject, recipient)
	uids, err := sent.SearchNewest(ctx, field, value)
	if err != nil {
		return "", err
	}
	if len(uids) > maxLocatorCandidates {
		uids = uids[:maxLocatorCandidates]
	}

	for _, uid := range uids {
		id, err := sent.FetchMessageID(ctx, uid)
		if errors.Is(err, imap.ErrMessageGone) {
			continue
		}
		if err != nil {
			return "", err
		}
		if id == want {
			return id, nil
		}
	}
	return "", errNotIndexed
}
