package correspondence

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cepmail/backend/internal/db"
	"github.com/cepmail/backend/internal/imap"
	"github.com/cepmail/backend/internal/message"
	"github.com/cepmail/backend/internal/models"
	goimap "github.com/emersion/go-imap"
)

// DefaultReviewKeyword marks mailbox messages left for a human.
const DefaultReviewKeyword = "$NeedsReview"

const reasonDuplicateID = "provider message id already recorded for a different mailbox message"
const reasonMissingID = "message has no Message-Id header"

// InboundSync imports unseen mailbox messages as correspondence records.
type InboundSync struct {
	store         Store
	blobs         BlobStore
	resolver      *Resolver
	reviewKeyword string
	observer      func(*models.CorrespondenceRecord)
}

func NewInboundSync(store Store, blobs BlobStore, resolver *Resolver, reviewKeyword string) *InboundSync {
	if reviewKeyword == "" {
		reviewKeyword = DefaultReviewKeyword
	}
	return &InboundSync{
		store:         store,
		blobs:         blobs,
		resolver:      resolver,
		reviewKeyword: reviewKeyword,
	}
}

// OnStored registers fn to be called with every newly stored record.
func (s *InboundSync) OnStored(fn func(*models.CorrespondenceRecord)) {
	s.observer = fn
}

// SyncOnce processes every unseen message of inbox, oldest first, and returns how many new records were stored.
// A message is marked seen only after its record is committed. Messages that fail stay unseen for the next pass.
// A stored message whose \Seen update fails still counts, since its record exists; the next pass only sets the flag
// and does not count it again.
// Cancelling ctx stops the pass between messages.
func (s *InboundSync) SyncOnce(ctx context.Context, inbox Mailbox) (int, error) {
	uids, err := inbox.SearchUnseen(ctx, s.reviewKeyword)
	if err != nil {
		return 0, fmt.Errorf("failed to search unseen messages: %w", err)
	}
	if len(uids) == 0 {
		return 0, nil
	}

	processed := 0
	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		stored, err := s.processMessage(ctx, inbox, uid)
		if err != nil {
			log.Printf("InboundSync: leaving %s UID %d (UIDVALIDITY %d) unseen: %v", inbox.Folder(), uid, inbox.UIDValidity(), err)
			continue
		}
		if stored {
			processed++
		}
	}

	return processed, nil
}

// processMessage imports one message. It reports whether a new record was stored.
func (s *InboundSync) processMessage(ctx context.Context, inbox Mailbox, uid uint32) (bool, error) {
	msg, err := inbox.FetchRaw(ctx, uid)
	if errors.Is(err, imap.ErrMessageGone) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if msg.HasFlag(goimap.SeenFlag) {
		// Another sync marked it seen after our search, so its record is already stored.
		log.Printf("InboundSync: %s UID %d was marked seen since the search, skipping", inbox.Folder(), uid)
		return false, nil
	}

	source := models.MailboxSource{
		Folder:      inbox.Folder(),
		UIDValidity: inbox.UIDValidity(),
		UID:         uid,
	}

	parsed, err := message.Parse(msg.Raw)
	if err != nil {
		return false, err
	}
	if parsed.MessageID == "" {
		return false, s.flagForReview(ctx, inbox, source, "", reasonMissingID)
	}

	parent, err := s.resolver.ResolveReply(ctx, parsed.InReplyTo, parsed.References)
	if err != nil {
		return false, err
	}

	record := &models.CorrespondenceRecord{
		Direction:         models.DirectionInbound,
		Sender:            parsed.Sender,
		Recipient:         parsed.Recipient,
		Subject:           parsed.Subject,
		Body:              parsed.Body,
		ProviderMessageID: &parsed.MessageID,
		Source:            &source,
	}
	if parent != nil {
		record.ParentID = &parent.ID
		record.ProjectID = parent.ProjectID
	}

	stored, err := putAttachments(ctx, s.blobs, parsed.Attachments)
	if err != nil {
		return false, err
	}

	if err := s.store.CreateCorrespondence(ctx, record, stored); err != nil {
		discardAttachments(s.blobs, stored)
		if errors.Is(err, db.ErrDuplicateProviderMessageID) {
			return false, s.handleDuplicate(ctx, inbox, source, parsed.MessageID)
		}
		return false, fmt.Errorf("failed to store record: %w", err)
	}

	if err := inbox.AddFlags(ctx, uid, goimap.SeenFlag); err != nil {
		// The next pass sees the same source again and only sets the flag.
		log.Printf("Warning: %s UID %d was stored as %s but not marked seen: %v", source.Folder, uid, record.ID, err)
	}

	if s.observer != nil {
		s.observer(record)
	}
	return true, nil
}

// handleDuplicate deals with a message whose id is already recorded.
// If the record came from this very mailbox message, only the seen flag was lost.
// Anything else is left unseen and flagged for review.
func (s *InboundSync) handleDuplicate(ctx context.Context, inbox Mailbox, source models.MailboxSource, providerMessageID string) error {
	existing, err := s.store.FindByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		return fmt.Errorf("failed to load record for duplicate %s: %w", providerMessageID, err)
	}

	if existing.SameSource(source) {
		if err := inbox.AddFlags(ctx, source.UID, goimap.SeenFlag); err != nil {
			return fmt.Errorf("failed to mark already stored message seen: %w", err)
		}
		return nil
	}

	return s.flagForReview(ctx, inbox, source, providerMessageID, reasonDuplicateID)
}

// flagForReview records a review item and tags the message so later passes skip it.
// The message itself stays unseen.
func (s *InboundSync) flagForReview(ctx context.Context, inbox Mailbox, source models.MailboxSource, providerMessageID, reason string) error {
	item := &models.ReviewItem{
		Source:            source,
		ProviderMessageID: providerMessageID,
		Reason:            reason,
	}
	if _, err := s.store.CreateReviewItem(ctx, item); err != nil {
		return fmt.Errorf("failed to record review item: %w", err)
	}
	if err := inbox.AddFlags(ctx, source.UID, s.reviewKeyword); err != nil {
		return fmt.Errorf("failed to add %s: %w", s.reviewKeyword, err)
	}

	log.Printf("InboundSync: %s UID %d flagged for review: %s", source.Folder, source.UID, reason)
	return nil
}
