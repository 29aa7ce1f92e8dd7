package imap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/cepmail/backend/internal/message"
	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-message/textproto"
)

// ErrMessageGone is returned when a UID no longer exists, usually because someone else expunged it.
var ErrMessageGone = errors.New("message no longer in mailbox")

// RawMessage is a message as stored on the server.
type RawMessage struct {
	UID   uint32
	Flags []string
	Raw   []byte
}

// HasFlag reports whether the message carries flag.
func (m *RawMessage) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Session is one selected folder on a connection owned by the caller.
// It is not safe for concurrent use.
type Session struct {
	pool        *Pool
	pc          *pooledClient
	folder      string
	readOnly    bool
	uidValidity uint32
}

// Folder returns the selected folder name.
func (s *Session) Folder() string {
	return s.folder
}

// UIDValidity returns the UIDVALIDITY reported when the folder was selected.
func (s *Session) UIDValidity() uint32 {
	return s.uidValidity
}

// SearchUnseen returns the UIDs of unseen messages that carry none of excludeFlags, in ascending order.
func (s *Session) SearchUnseen(ctx context.Context, excludeFlags ...string) ([]uint32, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = append([]string{imap.SeenFlag}, excludeFlags...)

	uids, err := s.pc.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search unseen messages in %s: %w", s.folder, err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// SearchNewest returns the UIDs of messages whose header field contains value,
// most recently arrived first.
// It uses SORT when the server advertises it; otherwise higher UIDs count as newer.
func (s *Session) SearchNewest(ctx context.Context, field, value string) ([]uint32, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(field, value)

	sortClient := sortthread.NewSortClient(s.pc.client)
	if ok, err := sortClient.SupportSort(); err == nil && ok {
		uids, err := sortClient.UidSort([]sortthread.SortCriterion{
			{Field: sortthread.SortArrival, Reverse: true},
		}, criteria)
		if err != nil {
			return nil, fmt.Errorf("failed to sort %s by arrival: %w", s.folder, err)
		}
		return uids, nil
	}

	uids, err := s.pc.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s by %s: %w", s.folder, field, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids, nil
}

// FetchMessageID fetches only the header block of uid and returns its decoded Message-Id.
func (s *Session) FetchMessageID(ctx context.Context, uid uint32) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}

	msg, err := s.fetchOne(uid, []imap.FetchItem{imap.FetchUid, section.FetchItem()})
	if err != nil {
		return "", err
	}

	literal := firstLiteral(msg)
	if literal == nil {
		return "", fmt.Errorf("server returned no header for UID %d", uid)
	}

	header, err := textproto.ReadHeader(bufio.NewReader(literal))
	if err != nil {
		return "", fmt.Errorf("failed to read header of UID %d: %w", uid, err)
	}

	return message.DecodeMessageID(header.Get("Message-Id")), nil
}

// FetchRaw fetches the full raw message and its flags without setting \Seen.
func (s *Session) FetchRaw(ctx context.Context, uid uint32) (*RawMessage, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{Peek: true}
	msg, err := s.fetchOne(uid, []imap.FetchItem{imap.FetchUid, imap.FetchFlags, section.FetchItem()})
	if err != nil {
		return nil, err
	}

	literal := firstLiteral(msg)
	if literal == nil {
		return nil, fmt.Errorf("server returned no body for UID %d", uid)
	}

	raw, err := io.ReadAll(literal)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of UID %d: %w", uid, err)
	}

	return &RawMessage{UID: msg.Uid, Flags: msg.Flags, Raw: raw}, nil
}

// AddFlags adds flags to uid, for example \Seen or a review keyword.
func (s *Session) AddFlags(ctx context.Context, uid uint32, flags ...string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("cannot store flags in read-only folder %s", s.folder)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	values := make([]interface{}, len(flags))
	for i, flag := range flags {
		values[i] = flag
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.pc.client.UidStore(seqSet, item, values, nil); err != nil {
		return fmt.Errorf("failed to add flags %v to UID %d: %w", flags, uid, err)
	}
	return nil
}

// Threads groups every message of the folder with the server's REFERENCES algorithm.
// UIDs are returned rather than sequence numbers.
func (s *Session) Threads(ctx context.Context) ([]*sortthread.Thread, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	threads, err := sortthread.NewThreadClient(s.pc.client).UidThread(sortthread.References, imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to thread %s: %w", s.folder, err)
	}
	return threads, nil
}

// Refresh asks the server for pending mailbox changes so later searches see new arrivals.
func (s *Session) Refresh(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.pc.client.Noop(); err != nil {
		return fmt.Errorf("failed to refresh %s: %w", s.folder, err)
	}
	return nil
}

// Close returns the connection to the pool. Closing twice is a no-op.
func (s *Session) Close() {
	if s.pc == nil {
		return
	}
	s.pool.release(s.pc)
	s.pc = nil
}

func (s *Session) check(ctx context.Context) error {
	if s.pc == nil {
		return fmt.Errorf("session for %s is closed", s.folder)
	}
	return ctx.Err()
}

func (s *Session) fetchOne(uid uint32, items []imap.FetchItem) (*imap.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.pc.client.UidFetch(seqSet, items, messages)
	}()

	var found *imap.Message
	for msg := range messages {
		if msg.Uid == uid {
			found = msg
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch UID %d: %w", uid, err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: UID %d in %s", ErrMessageGone, uid, s.folder)
	}
	return found, nil
}

func firstLiteral(msg *imap.Message) imap.Literal {
	for _, literal := range msg.Body {
		if literal != nil {
			return literal
		}
	}
	return nil
}
