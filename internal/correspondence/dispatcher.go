package correspondence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cepmail/backend/internal/db"
	"github.com/cepmail/backend/internal/message"
	"github.com/cepmail/backend/internal/models"
)

// ErrTransportFailure is matched by every TransportError.
var ErrTransportFailure = errors.New("message was not sent")

// TransportError reports a notification that did not go out. No record exists for it.
type TransportError struct {
	Recipient string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to send message to %s: %v", e.Recipient, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

// SendRequest describes one outbound message.
type SendRequest struct {
	Recipient   string
	Subject     string
	Body        string
	Attachments []message.Attachment
	// Sender overrides the dispatcher's default sender.
	Sender    string
	ProjectID *string
}

// Dispatcher sends messages and records them as thread roots.
type Dispatcher struct {
	transport     Transport
	locator       *Locator
	store         Store
	blobs         BlobStore
	mailboxes     MailboxOpener
	sentFolder    string
	defaultSender string
}

func NewDispatcher(transport Transport, locator *Locator, store Store, blobs BlobStore, mailboxes MailboxOpener, sentFolder, defaultSender string) *Dispatcher {
	return &Dispatcher{
		transport:     transport,
		locator:       locator,
		store:         store,
		blobs:         blobs,
		mailboxes:     mailboxes,
		sentFolder:    sentFolder,
		defaultSender: defaultSender,
	}
}

// Send delivers req, recovers the provider message id from the sent folder and stores the record.
// A failed delivery returns a *TransportError. A missing id only degrades the record.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*models.CorrespondenceRecord, error) {
	sender := req.Sender
	if sender == "" {
		sender = d.defaultSender
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, &TransportError{Recipient: req.Recipient, Err: errors.New("recipient is required")}
	}

	out := &message.Outgoing{
		From:        sender,
		To:          req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		MessageID:   message.NewMessageID(sender),
		Attachments: req.Attachments,
	}
	if err := d.transport.Send(ctx, out); err != nil {
		return nil, &TransportError{Recipient: req.Recipient, Err: err}
	}

	record := &models.CorrespondenceRecord{
		Direction:         models.DirectionOutbound,
		Sender:            message.DecodeAddress(sender),
		Recipient:         message.DecodeAddress(req.Recipient),
		Subject:           req.Subject,
		Body:              req.Body,
		OutgoingMessageID: &out.MessageID,
		ProjectID:         req.ProjectID,
	}

	id, err := d.locate(ctx, req.Subject, message.AddressOnly(req.Recipient), out.MessageID)
	if err != nil {
		log.Printf("Dispatcher: sent %s to %s but could not recover its provider id, recording without it: %v", out.MessageID, req.Recipient, err)
	} else {
		record.ProviderMessageID = &id
	}

	stored, err := putAttachments(ctx, d.blobs, req.Attachments)
	if err != nil {
		return nil, fmt.Errorf("message to %s was sent but not recorded: %w", req.Recipient, err)
	}

	err = d.store.CreateCorrespondence(ctx, record, stored)
	if errors.Is(err, db.ErrDuplicateProviderMessageID) {
		log.Printf("Dispatcher: located id %s already belongs to another record, recording without it", id)
		record.ProviderMessageID = nil
		err = d.store.CreateCorrespondence(ctx, record, stored)
	}
	if err != nil {
		discardAttachments(d.blobs, stored)
		return nil, fmt.Errorf("message to %s was sent but not recorded: %w", req.Recipient, err)
	}

	return record, nil
}

func (d *Dispatcher) locate(ctx context.Context, subject, recipient, messageID string) (string, error) {
	sent, err := d.mailboxes.OpenMailbox(ctx, d.sentFolder, true)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", d.sentFolder, err)
	}
	defer sent.Close()

	return d.locator.Locate(ctx, subject, recipient, messageID, sent)
}

// BackfillProviderIDs looks up sent copies for outbound records still missing their id.
// A copy is only accepted when it carries the record's own outgoing Message-Id.
// Each record gets one search per call; the next pass tries again. Returns how many were filled in.
func (d *Dispatcher) BackfillProviderIDs(ctx context.Context, sent Mailbox, limit int) (int, error) {
	records, err := d.store.ListMissingProviderMessageID(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list records without provider id: %w", err)
	}

	filled := 0
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return filled, err
		}

		if record.OutgoingMessageID == nil {
			continue
		}
		id, err := d.locator.LocateOnce(ctx, record.Subject, message.AddressOnly(record.Recipient), *record.OutgoingMessageID, sent)
		if errors.Is(err, ErrLocatorNotFound) {
			continue
		}
		if err != nil {
			log.Printf("Dispatcher: backfill lookup for %s failed: %v", record.ID, err)
			continue
		}

		err = d.store.SetProviderMessageID(ctx, record.ID, id)
		switch {
		case err == nil:
			filled++
		case errors.Is(err, db.ErrDuplicateProviderMessageID), errors.Is(err, db.ErrRecordNotFound):
			log.Printf("Dispatcher: backfill skipped %s: %v", record.ID, err)
		default:
			return filled, fmt.Errorf("failed to set provider id of %s: %w", record.ID, err)
		}
	}
	return filled, nil
}
