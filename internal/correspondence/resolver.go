package correspondence

import (
	"context"
	"errors"
	"fmt"

	"github.com/cepmail/backend/internal/db"
	"github.com/cepmail/backend/internal/message"
	"github.com/cepmail/backend/internal/models"
)

// Resolver finds the stored record a reply refers to.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the record whose provider message id equals inReplyTo.
// An empty inReplyTo or an unknown id yields nil without error: the message starts a new thread.
func (r *Resolver) Resolve(ctx context.Context, inReplyTo string) (*models.CorrespondenceRecord, error) {
	id := message.DecodeMessageID(inReplyTo)
	if id == "" {
		return nil, nil
	}

	record, err := r.store.FindByProviderMessageID(ctx, id)
	if errors.Is(err, db.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent %s: %w", id, err)
	}
	return record, nil
}

// ResolveReply tries In-Reply-To first, then the References chain from the newest entry back.
// Some clients drop In-Reply-To but keep References.
func (r *Resolver) ResolveReply(ctx context.Context, inReplyTo string, references []string) (*models.CorrespondenceRecord, error) {
	parent, err := r.Resolve(ctx, inReplyTo)
	if err != nil || parent != nil {
		return parent, err
	}

	for i := len(references) - 1; i >= 0; i-- {
		if references[i] == inReplyTo {
			continue
		}
		parent, err := r.Resolve(ctx, references[i])
		if err != nil || parent != nil {
			return parent, err
		}
	}
	return nil, nil
}
