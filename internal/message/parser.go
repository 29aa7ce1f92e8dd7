package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
)

// ErrParse is matched by every ParseError.
var ErrParse = errors.New("message cannot be parsed")

// ParseError reports raw bytes that are not a structured message at all.
// Encoding problems inside an otherwise valid message never produce one.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse message: %s: %v", e.Reason, e.Err)
	}
	return "parse message: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Attachment is a named payload carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Parsed is the canonical view of a raw message.
type Parsed struct {
	MessageID   string
	InReplyTo   string
	References  []string
	Sender      string
	Recipient   string
	Subject     string
	Date        time.Time
	Body        string
	Attachments []Attachment
}

// Parse extracts headers, body and attachments from a raw RFC 5322 message.
func Parse(raw []byte) (*Parsed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ParseError{Reason: "empty message"}
	}

	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, &ParseError{Reason: "malformed header block", Err: err}
	}
	if !header.Fields().Next() {
		return nil, &ParseError{Reason: "no header fields"}
	}

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Reason: "unreadable MIME structure", Err: err}
	}

	parsed := &Parsed{
		MessageID:  DecodeMessageID(header.Get("Message-Id")),
		InReplyTo:  DecodeMessageID(header.Get("In-Reply-To")),
		References: DecodeMessageIDList(header.Get("References")),
		Sender:     DecodeAddress(header.Get("From")),
		Recipient:  DecodeAddress(header.Get("To")),
		Subject:    strings.TrimSpace(DecodeHeader(header.Get("Subject"))),
	}

	if date, err := netmail.ParseDate(header.Get("Date")); err == nil {
		parsed.Date = date
	}

	if envelope.Root != nil {
		parsed.Body = extractBody(envelope.Root)
		parsed.Attachments = extractAttachments(envelope.Root)
	}

	return parsed, nil
}

// extractBody prefers the first text/plain part, then the first text/html part.
// A single-part message is its own body unless it is an attachment.
func extractBody(root *enmime.Part) string {
	if root.FirstChild == nil {
		if isAttachment(root) {
			return ""
		}
		return partText(root)
	}

	var plain, html *enmime.Part
	walkParts(root, func(p *enmime.Part) {
		if p.FirstChild != nil || strings.EqualFold(p.Disposition, "attachment") {
			return
		}
		switch strings.ToLower(p.ContentType) {
		case "text/plain":
			if plain == nil {
				plain = p
			}
		case "text/html":
			if html == nil {
				html = p
			}
		}
	})

	switch {
	case plain != nil:
		return partText(plain)
	case html != nil:
		return partText(html)
	default:
		return ""
	}
}

func extractAttachments(root *enmime.Part) []Attachment {
	var attachments []Attachment
	walkParts(root, func(p *enmime.Part) {
		if !isAttachment(p) {
			return
		}
		filename := strings.TrimSpace(DecodeHeader(p.FileName))
		if filename == "" || len(p.Content) == 0 {
			return
		}
		attachments = append(attachments, Attachment{
			Filename:    filename,
			ContentType: p.ContentType,
			Content:     p.Content,
		})
	})
	return attachments
}

// isAttachment reports parts that carry a named payload.
// A disposition alone is not enough: unnamed parts stay part of the message.
func isAttachment(p *enmime.Part) bool {
	disposition := strings.ToLower(p.Disposition)
	if disposition != "attachment" && disposition != "inline" {
		return false
	}
	return strings.TrimSpace(p.FileName) != ""
}

// partText returns the decoded text of a part. enmime already converted it from its charset.
func partText(p *enmime.Part) string {
	return strings.TrimSpace(toValidUTF8(string(p.Content)))
}

// walkParts visits p and all of its descendants depth-first, in document order.
func walkParts(p *enmime.Part, visit func(*enmime.Part)) {
	visit(p)
	for child := p.FirstChild; child != nil; child = child.NextSibling {
		walkParts(child, visit)
	}
}
