package app

import (
	"context"
	"fmt"
	"log"

	"github.com/cepmail/backend/internal/attachments"
	"github.com/cepmail/backend/internal/config"
	"github.com/cepmail/backend/internal/correspondence"
	"github.com/cepmail/backend/internal/crypto"
	"github.com/cepmail/backend/internal/db"
	"github.com/cepmail/backend/internal/imap"
	"github.com/cepmail/backend/internal/migrate"
	"github.com/cepmail/backend/internal/models"
	"github.com/cepmail/backend/internal/smtp"
	ws "github.com/cepmail/backend/internal/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventNewCorrespondence is pushed to connected operators for every imported message.
const EventNewCorrespondence = "new_correspondence"

// App holds the correspondence components built from one configuration.
type App struct {
	Store       *db.Store
	Attachments *attachments.FileStore
	IMAP        *imap.Pool
	Dispatcher  *correspondence.Dispatcher
	Notifier    *correspondence.Notifier
	Inbound     *correspondence.InboundSync
	Poller      *correspondence.Poller
	Hub         *ws.Hub
}

// New wires the mailbox, transport and storage layers together. Nothing connects until first use.
func New(cfg *config.Config, pool *pgxpool.Pool) (*App, error) {
	var encryptor *crypto.Encryptor
	if cfg.AttachmentsKey != "" {
		var err error
		encryptor, err = crypto.NewEncryptor(cfg.AttachmentsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment encryptor: %w", err)
		}
	} else {
		log.Println("Warning: CEPMAIL_ATTACHMENTS_KEY_BASE64 is not set, attachments are stored unencrypted")
	}

	blobs, err := attachments.NewFileStore(cfg.AttachmentsDir, encryptor)
	if err != nil {
		return nil, err
	}

	store := db.NewStore(pool)
	imapPool := imap.NewPool(imap.Credentials{
		Server:   cfg.IMAPServer,
		Username: cfg.IMAPUsername,
		Password: cfg.IMAPPassword,
		UseTLS:   cfg.IMAPUseTLS,
	}, cfg.IMAPMaxWorkers)
	mailboxes := correspondence.PoolOpener{Pool: imapPool}

	sender := smtp.NewSender(smtp.Config{
		Server:   cfg.SMTPServer,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		Security: smtp.Security(cfg.SMTPSecurity),
		Timeout:  cfg.SMTPTimeout,
	})
	var appender smtp.SentAppender
	if cfg.SMTPSaveToSent {
		appender = imapPool
	}
	transport := smtp.NewTransport(sender, appender, cfg.IMAPSentFolder)

	locator := correspondence.NewLocator(correspondence.LocatorConfig{
		Attempts:       cfg.LocatorAttempts,
		InitialBackoff: cfg.LocatorBackoff,
		Budget:         cfg.LocatorBudget,
	})
	dispatcher := correspondence.NewDispatcher(transport, locator, store, blobs, mailboxes, cfg.IMAPSentFolder, cfg.DefaultSender)

	hub := ws.NewHub(10)
	inbound := correspondence.NewInboundSync(store, blobs, correspondence.NewResolver(store), cfg.IMAPReviewKeyword)
	inbound.OnStored(func(record *models.CorrespondenceRecord) {
		hub.Broadcast(ws.Event{Type: EventNewCorrespondence, Payload: record})
	})

	var watcher correspondence.Watcher
	if cfg.IMAPIdleEnabled {
		watcher = imapPool
	}
	poller := correspondence.NewPoller(mailboxes, inbound, dispatcher, watcher, correspondence.PollerConfig{
		InboxFolder:   cfg.IMAPInboxFolder,
		SentFolder:    cfg.IMAPSentFolder,
		Interval:      cfg.PollInterval,
		BackfillLimit: cfg.BackfillBatchLimit,
	})

	return &App{
		Store:       store,
		Attachments: blobs,
		IMAP:        imapPool,
		Dispatcher:  dispatcher,
		Notifier:    correspondence.NewNotifier(dispatcher),
		Inbound:     inbound,
		Poller:      poller,
		Hub:         hub,
	}, nil
}

// RunPoller blocks running the background synchronization until ctx is canceled.
func (a *App) RunPoller(ctx context.Context) {
	a.Poller.Run(ctx)
}

// Close releases the mailbox connections.
func (a *App) Close() {
	a.IMAP.Close()
}

// Migrate applies pending schema migrations when cfg.AutoMigrate is set.
func Migrate(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	if !cfg.AutoMigrate {
		return nil
	}
	applied, err := migrate.Run(ctx, pool, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	for _, name := range applied {
		log.Printf("Database: applied migration %s", name)
	}
	return nil
}
