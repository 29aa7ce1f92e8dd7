package models

import "time"

// Direction tells whether a record was sent by the committee or received from outside.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// MailboxSource identifies the mailbox message an inbound record was imported from.
type MailboxSource struct {
	Folder      string `json:"folder"`
	UIDValidity uint32 `json:"uid_validity"`
	UID         uint32 `json:"uid"`
}

type CorrespondenceRecord struct {
	ID                string    `json:"id"`
	Direction         Direction `json:"direction"`
	Sender            string    `json:"sender"`
	Recipient         string    `json:"recipient"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	ProviderMessageID *string   `json:"provider_message_id"`
	// OutgoingMessageID is the Message-Id header this system wrote. Outbound only.
	OutgoingMessageID *string        `json:"outgoing_message_id,omitempty"`
	ParentID          *string        `json:"parent_id"`
	ProjectID         *string        `json:"project_id"`
	Source            *MailboxSource `json:"source,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Attachments       []Attachment   `json:"attachments,omitempty"`
}

// SameSource reports whether the record was imported from exactly this mailbox message.
func (r *CorrespondenceRecord) SameSource(src MailboxSource) bool {
	return r != nil && r.Source != nil && *r.Source == src
}

type Attachment struct {
	ID               string    `json:"id"`
	CorrespondenceID string    `json:"correspondence_id"`
	Filename         string    `json:"filename"`
	ContentType      string    `json:"content_type"`
	StorageKey       string    `json:"-"`
	SizeBytes        int64     `json:"size_bytes"`
	CreatedAt        time.Time `json:"created_at"`
}

// ThreadNode is a record together with the replies that point at it.
type ThreadNode struct {
	Record  *CorrespondenceRecord `json:"record"`
	Replies []*ThreadNode         `json:"replies,omitempty"`
}

// ReviewItem is a mailbox message the importer refused to store and left for a human.
type ReviewItem struct {
	ID                string        `json:"id"`
	Source            MailboxSource `json:"source"`
	ProviderMessageID string        `json:"provider_message_id"`
	Reason            string        `json:"reason"`
	CreatedAt         time.Time     `json:"created_at"`
}
