package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cepmail/backend/internal/api"
	"github.com/cepmail/backend/internal/app"
	"github.com/cepmail/backend/internal/auth"
	"github.com/cepmail/backend/internal/config"
	"github.com/cepmail/backend/internal/db"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	if err := app.Migrate(ctx, cfg, pool); err != nil {
		log.Fatalf("%v", err)
	}

	a, err := app.New(cfg, pool)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	go a.RunPoller(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewServer(cfg, a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("CEP Mail backend server starting on %s (environment: %s)", server.Addr, cfg.Environment)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// NewServer creates and returns a new HTTP handler for the CEP Mail API server.
func NewServer(cfg *config.Config, a *app.App) http.Handler {
	tokens := auth.Tokens(cfg.APITokens)
	requireAuth := auth.RequireAuth(tokens)
	limited := api.RateLimiter(cfg.APIRateLimit, time.Minute)

	correspondenceHandler := api.NewCorrespondenceHandler(a.Store)
	attachmentsHandler := api.NewAttachmentsHandler(a.Store, a.Attachments)
	notificationsHandler := api.NewNotificationsHandler(a.Notifier)
	syncHandler := api.NewSyncHandler(a.Poller)
	wsHandler := api.NewWebSocketHandler(tokens, a.Hub)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("GET /api/v1/correspondence", requireAuth(http.HandlerFunc(correspondenceHandler.List)))
	mux.Handle("GET /api/v1/correspondence/{id}", requireAuth(http.HandlerFunc(correspondenceHandler.Get)))
	mux.Handle("GET /api/v1/attachments/{id}", requireAuth(http.HandlerFunc(attachmentsHandler.Download)))
	mux.Handle("GET /api/v1/reviews", requireAuth(http.HandlerFunc(correspondenceHandler.Reviews)))
	mux.Handle("POST /api/v1/notifications", requireAuth(limited(http.HandlerFunc(notificationsHandler.Send))))
	mux.Handle("POST /api/v1/sync", requireAuth(limited(http.HandlerFunc(syncHandler.Sync))))
	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.Handle("GET /api/v1/ws", http.HandlerFunc(wsHandler.Handle))

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "CEP Mail API is running")
}
