package correspondence

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Watcher calls onChange whenever folder may have new mail, until ctx is done.
// *imap.Pool implements it with IDLE.
type Watcher interface {
	Watch(ctx context.Context, folder string, onChange func())
}

type PollerConfig struct {
	InboxFolder   string
	SentFolder    string
	Interval      time.Duration
	BackfillLimit int
}

// Poller runs sync passes periodically, on mailbox changes and on demand. Passes never overlap.
type Poller struct {
	mailboxes  MailboxOpener
	inbound    *InboundSync
	dispatcher *Dispatcher
	watcher    Watcher
	cfg        PollerConfig

	trigger chan struct{}
	running chan struct{}
}

// NewPoller creates a Poller. dispatcher and watcher may be nil to skip the backfill and IDLE.
func NewPoller(mailboxes MailboxOpener, inbound *InboundSync, dispatcher *Dispatcher, watcher Watcher, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 50
	}
	return &Poller{
		mailboxes:  mailboxes,
		inbound:    inbound,
		dispatcher: dispatcher,
		watcher:    watcher,
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
		running:    make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.watcher != nil {
		go p.watcher.Watch(ctx, p.cfg.InboxFolder, p.Trigger)
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunPass(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Poller: pass failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// Trigger asks Run for a pass as soon as possible. Requests made while one is queued are merged.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// RunPass imports the inbox, then backfills missing provider ids from the sent folder.
// It waits for a pass already in progress and returns the number of inbound records stored.
func (p *Poller) RunPass(ctx context.Context) (int, error) {
	select {
	case p.running <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-p.running }()

	processed, err := p.syncInbox(ctx)
	if err != nil {
		return processed, err
	}
	if processed > 0 {
		log.Printf("Poller: stored %d new message(s) from %s", processed, p.cfg.InboxFolder)
	}

	if p.dispatcher != nil {
		if err := p.backfill(ctx); err != nil {
			log.Printf("Poller: backfill failed: %v", err)
		}
	}
	return processed, nil
}

func (p *Poller) syncInbox(ctx context.Context) (int, error) {
	inbox, err := p.mailboxes.OpenMailbox(ctx, p.cfg.InboxFolder, false)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", p.cfg.InboxFolder, err)
	}
	defer inbox.Close()

	return p.inbound.SyncOnce(ctx, inbox)
}

func (p *Poller) backfill(ctx context.Context) error {
	sent, err := p.mailboxes.OpenMailbox(ctx, p.cfg.SentFolder, true)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p.cfg.SentFolder, err)
	}
	defer sent.Close()

	filled, err := p.dispatcher.BackfillProviderIDs(ctx, sent, p.cfg.BackfillLimit)
	if filled > 0 {
		log.Printf("Poller: recovered %d provider id(s) from %s", filled, p.cfg.SentFolder)
	}
	return err
}
