package correspondence

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cepmail/backend/internal/db"
	"github.com/cepmail/backend/internal/imap"
	"github.com/cepmail/backend/internal/message"
	"github.com/cepmail/backend/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

func strPtr(s string) *string {
	return &s
}

// fakeMessage is a message in a fakeMailbox. It stays invisible to searches
// until the mailbox has been refreshed visibleAfter times.
type fakeMessage struct {
	raw          []byte
	flags        map[string]bool
	visibleAfter int
}

// fakeMailbox is an in-memory folder with the semantics InboundSync and Locator rely on.
type fakeMailbox struct {
	mu          sync.Mutex
	folder      string
	uidValidity uint32
	nextUID     uint32
	messages    map[uint32]*fakeMessage
	refreshes   int
	closed      bool
	flagErr     map[uint32]error
	fetchErr    map[uint32]error
	searchErr   error
	onFetch     func(uid uint32)
}

func newFakeMailbox(folder string) *fakeMailbox {
	return &fakeMailbox{
		folder:      folder,
		uidValidity: 7,
		nextUID:     1,
		messages:    make(map[uint32]*fakeMessage),
		flagErr:     make(map[uint32]error),
		fetchErr:    make(map[uint32]error),
	}
}

func (m *fakeMailbox) add(raw []byte, flags ...string) uint32 {
	return m.addDelayed(raw, 0, flags...)
}

func (m *fakeMailbox) addDelayed(raw []byte, visibleAfter int, flags ...string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	uid := m.nextUID
	m.nextUID++
	msg := &fakeMessage{raw: raw, flags: make(map[string]bool), visibleAfter: visibleAfter}
	for _, f := range flags {
		msg.flags[f] = true
	}
	m.messages[uid] = msg
	return uid
}

func (m *fakeMailbox) hasFlag(uid uint32, flag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[uid]
	return ok && msg.flags[flag]
}

func (m *fakeMailbox) seenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.flags[`\Seen`] {
			n++
		}
	}
	return n
}

func (m *fakeMailbox) Folder() string      { return m.folder }
func (m *fakeMailbox) UIDValidity() uint32 { return m.uidValidity }

func (m *fakeMailbox) SearchUnseen(ctx context.Context, excludeFlags ...string) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}

	var uids []uint32
next:
	for uid, msg := range m.messages {
		if msg.flags[`\Seen`] {
			continue
		}
		for _, f := range excludeFlags {
			if msg.flags[f] {
				continue next
			}
		}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (m *fakeMailbox) SearchNewest(ctx context.Context, field, value string) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}

	var uids []uint32
	for uid, msg := range m.messages {
		if m.refreshes < msg.visibleAfter {
			continue
		}
		parsed, err := message.Parse(msg.raw)
		if err != nil {
			continue
		}
		var header string
		switch field {
		case "Subject":
			header = parsed.Subject
		case "To":
			header = parsed.Recipient
		}
		if strings.Contains(strings.ToLower(header), strings.ToLower(value)) {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids, nil
}

func (m *fakeMailbox) FetchMessageID(ctx context.Context, uid uint32) (string, error) {
	m.mu.Lock()
	msg, ok := m.messages[uid]
	m.mu.Unlock()
	if !ok {
		return "", imap.ErrMessageGone
	}
	parsed, err := message.Parse(msg.raw)
	if err != nil {
		return "", err
	}
	return parsed.MessageID, nil
}

func (m *fakeMailbox) FetchRaw(ctx context.Context, uid uint32) (*imap.RawMessage, error) {
	if m.onFetch != nil {
		m.onFetch(uid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fetchErr[uid]; err != nil {
		return nil, err
	}
	msg, ok := m.messages[uid]
	if !ok {
		return nil, imap.ErrMessageGone
	}
	raw := &imap.RawMessage{UID: uid, Raw: msg.raw}
	for f := range msg.flags {
		raw.Flags = append(raw.Flags, f)
	}
	return raw, nil
}

func (m *fakeMailbox) AddFlags(ctx context.Context, uid uint32, flags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flagErr[uid]; err != nil {
		return err
	}
	msg, ok := m.messages[uid]
	if !ok {
		return imap.ErrMessageGone
	}
	for _, f := range flags {
		msg.flags[f] = true
	}
	return nil
}

func (m *fakeMailbox) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return nil
}

func (m *fakeMailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// fakeOpener hands out fixed mailboxes by folder name.
type fakeOpener struct {
	mu        sync.Mutex
	mailboxes map[string]*fakeMailbox
	opened    []string
	err       error
	hold      time.Duration
	active    int
	maxActive int
}

func newFakeOpener(mailboxes ...*fakeMailbox) *fakeOpener {
	o := &fakeOpener{mailboxes: make(map[string]*fakeMailbox)}
	for _, m := range mailboxes {
		o.mailboxes[m.folder] = m
	}
	return o
}

func (o *fakeOpener) OpenMailbox(ctx context.Context, folder string, readOnly bool) (Mailbox, error) {
	o.mu.Lock()
	o.opened = append(o.opened, folder)
	if o.err != nil {
		o.mu.Unlock()
		return nil, o.err
	}
	mailbox, ok := o.mailboxes[folder]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("no folder %s", folder)
	}
	o.active++
	if o.active > o.maxActive {
		o.maxActive = o.active
	}
	o.mu.Unlock()

	if o.hold > 0 {
		time.Sleep(o.hold)
	}
	return &trackedMailbox{fakeMailbox: mailbox, opener: o}, nil
}

func (o *fakeOpener) openedFolders() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// trackedMailbox lets the opener count sessions that are open at the same time.
type trackedMailbox struct {
	*fakeMailbox
	opener *fakeOpener
	once   sync.Once
}

func (t *trackedMailbox) Close() {
	t.once.Do(func() {
		t.opener.mu.Lock()
		t.opener.active--
		t.opener.mu.Unlock()
		t.fakeMailbox.Close()
	})
}

// fakeStore is an in-memory Store with the unique provider id constraint of the real table.
type fakeStore struct {
	mu         sync.Mutex
	records    []*models.CorrespondenceRecord
	reviews    []models.ReviewItem
	failCreate func(record *models.CorrespondenceRecord) error
	findErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (s *fakeStore) CreateCorrespondence(ctx context.Context, record *models.CorrespondenceRecord, attachments []db.NewAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCreate != nil {
		if err := s.failCreate(record); err != nil {
			return err
		}
	}
	if record.ProviderMessageID != nil {
		for _, existing := range s.records {
			if existing.ProviderMessageID != nil && *existing.ProviderMessageID == *record.ProviderMessageID {
				return db.ErrDuplicateProviderMessageID
			}
		}
	}

	record.ID = uuid.NewString()
	record.CreatedAt = time.Now()
	record.Attachments = nil
	for _, a := range attachments {
		record.Attachments = append(record.Attachments, models.Attachment{
			ID:               uuid.NewString(),
			CorrespondenceID: record.ID,
			Filename:         a.Filename,
			ContentType:      a.ContentType,
			StorageKey:       a.StorageKey,
			SizeBytes:        a.SizeBytes,
			CreatedAt:        record.CreatedAt,
		})
	}

	stored := *record
	s.records = append(s.records, &stored)
	return nil
}

func (s *fakeStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*models.CorrespondenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, r := range s.records {
		if r.ProviderMessageID != nil && *r.ProviderMessageID == providerMessageID {
			found := *r
			return &found, nil
		}
	}
	return nil, db.ErrRecordNotFound
}

func (s *fakeStore) ListMissingProviderMessageID(ctx context.Context, limit int) ([]*models.CorrespondenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []*models.CorrespondenceRecord
	for _, r := range s.records {
		if r.Direction == models.DirectionOutbound && r.ProviderMessageID == nil && r.OutgoingMessageID != nil {
			found := *r
			missing = append(missing, &found)
		}
		if len(missing) == limit {
			break
		}
	}
	return missing, nil
}

func (s *fakeStore) SetProviderMessageID(ctx context.Context, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ProviderMessageID != nil && *r.ProviderMessageID == providerMessageID {
			return db.ErrDuplicateProviderMessageID
		}
	}
	for _, r := range s.records {
		if r.ID == id && r.ProviderMessageID == nil {
			r.ProviderMessageID = strPtr(providerMessageID)
			return nil
		}
	}
	return db.ErrRecordNotFound
}

func (s *fakeStore) CreateReviewItem(ctx context.Context, item *models.ReviewItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reviews {
		if existing.Source == item.Source {
			return false, nil
		}
	}
	item.ID = uuid.NewString()
	item.CreatedAt = time.Now()
	s.reviews = append(s.reviews, *item)
	return true, nil
}

func (s *fakeStore) all() []*models.CorrespondenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.CorrespondenceRecord(nil), s.records...)
}

func (s *fakeStore) reviewItems() []models.ReviewItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ReviewItem(nil), s.reviews...)
}

// fakeBlobs keeps payloads in memory.
type fakeBlobs struct {
	mu      sync.Mutex
	content map[string][]byte
	putErr  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{content: make(map[string][]byte)}
}

func (b *fakeBlobs) Put(ctx context.Context, content []byte) (string, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return "", 0, b.putErr
	}
	key := uuid.NewString()
	b.content[key] = append([]byte(nil), content...)
	return key, int64(len(content)), nil
}

func (b *fakeBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.content[key]; !ok {
		return errors.New("no such key")
	}
	delete(b.content, key)
	return nil
}

func (b *fakeBlobs) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.content[key]
	return c, ok
}

func (b *fakeBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.content)
}

// mockTransport is a testify mock of Transport.
type mockTransport struct {
	mock.Mock
}

func newMockTransport(t *testing.T) *mockTransport {
	m := &mockTransport{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *mockTransport) Send(ctx context.Context, out *message.Outgoing) error {
	args := m.Called(ctx, out)
	return args.Error(0)
}

// deliverTo makes the mock behave like a provider that files a sent copy in sent,
// visible to searches after visibleAfter refreshes.
func (m *mockTransport) deliverTo(sent *fakeMailbox, visibleAfter int) {
	m.On("Send", mock.Anything, mock.AnythingOfType("*message.Outgoing")).
		Run(func(args mock.Arguments) {
			out := args.Get(1).(*message.Outgoing)
			raw, err := message.Compose(out)
			if err != nil {
				panic(err)
			}
			sent.addDelayed(raw, visibleAfter, `\Seen`)
		}).
		Return(nil)
}

// fastLocator retries without real waiting.
func fastLocator(attempts int) *Locator {
	return NewLocator(LocatorConfig{
		Attempts:       attempts,
		InitialBackoff: time.Millisecond,
		Budget:         time.Second,
	})
}

// rawMessage builds a simple wire-format message.
func rawMessage(messageID, inReplyTo, subject, body string) []byte {
	var b strings.Builder
	if messageID != "" {
		b.WriteString("Message-Id: " + messageID + "\r\n")
	}
	if inReplyTo != "" {
		b.WriteString("In-Reply-To: " + inReplyTo + "\r\n")
	}
	b.WriteString("From: Pesquisador <pesquisador@example.com>\r\n")
	b.WriteString("To: cep@example.com\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: Mon, 02 Jun 2025 10:00:00 -0300\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body + "\r\n")
	return []byte(b.String())
}

// rawWithAttachment builds a multipart message carrying one named attachment.
func rawWithAttachment(messageID, filename string, content string) []byte {
	return []byte("Message-Id: " + messageID + "\r\n" +
		"From: pesquisador@example.com\r\n" +
		"To: cep@example.com\r\n" +
		"Subject: Relatorio\r\n" +
		"Content-Type: multipart/mixed; boundary=\"mix\"\r\n\r\n" +
		"--mix\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" +
		"Segue anexo.\r\n" +
		"--mix\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"" + filename + "\"\r\n\r\n" +
		content + "\r\n" +
		"--mix--\r\n")
}

// sentCopy builds the copy the provider files in the sent folder for a
// message from the committee to recipient.
func sentCopy(messageID, recipient, subject string) []byte {
	var b strings.Builder
	b.WriteString("Message-Id: " + messageID + "\r\n")
	b.WriteString("From: cep@example.com\r\n")
	b.WriteString("To: " + recipient + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: Mon, 02 Jun 2025 10:00:00 -0300\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\ncopia\r\n")
	return []byte(b.String())
}

func outboundWithoutID(subject, outgoingMessageID string) *models.CorrespondenceRecord {
	return &models.CorrespondenceRecord{
		Direction:         models.DirectionOutbound,
		Sender:            "cep@example.com",
		Recipient:         "pesquisador@example.com",
		Subject:           subject,
		OutgoingMessageID: &outgoingMessageID,
	}
}
