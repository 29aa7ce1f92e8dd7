package message

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
)

// Outgoing is a message this system is about to send.
type Outgoing struct {
	From        string
	To          string
	Subject     string
	Body        string
	MessageID   string
	Date        time.Time
	Attachments []Attachment
}

// NewMessageID generates a globally unique Message-Id for the sender's domain.
func NewMessageID(sender string) string {
	domain := "localhost"
	address := AddressOnly(sender)
	if at := strings.LastIndexByte(address, '@'); at >= 0 && at < len(address)-1 {
		domain = address[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Compose renders out as a raw RFC 5322 message.
// A Message-Id and a Date are filled in when missing.
func Compose(out *Outgoing) ([]byte, error) {
	from, err := mail.ParseAddress(out.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", out.From, err)
	}
	to, err := mail.ParseAddress(out.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", out.To, err)
	}

	if out.MessageID == "" {
		out.MessageID = NewMessageID(from.Address)
	}
	if out.Date.IsZero() {
		out.Date = time.Now()
	}

	builder := enmime.Builder().
		From(from.Name, from.Address).
		To(to.Name, to.Address).
		Subject(out.Subject).
		Date(out.Date).
		Header("Message-Id", out.MessageID).
		Text([]byte(out.Body))

	for _, attachment := range out.Attachments {
		contentType := attachment.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		builder = builder.AddAttachment(attachment.Content, contentType, attachment.Filename)
	}

	root, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := root.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}
