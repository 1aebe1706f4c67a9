package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/tenebrae.world/internal/platform/timeouts"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/storage/sqlite"
)

// Config defines the inputs for the sync transport boundary.
//
// The settings intentionally couple the WebSocket layer to the campaign
// record store and session token verification without owning campaign CRUD.
type Config struct {
	HTTPAddr            string
	DBPath              string
	AuthBaseURL         string
	OAuthResourceSecret string
	SessionIssuer       string
	SessionAudience     string
	SessionPublicKey    string
	ReadHeaderTimeout   time.Duration
	ShutdownTimeout     time.Duration
	HeartbeatInterval   time.Duration
	TradeTTL            time.Duration
	ImpersonationTTL    time.Duration
	DebounceDelay       time.Duration
}

// Server hosts the sync HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	svc             *syncService
}

// NewServer builds a configured sync server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured sync server with an explicit
// context, used for startup work like story watcher reconciliation.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open campaign store: %w", err)
	}

	authorizer, err := newWSAuthorizer(config)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("configure websocket auth: %w", err)
	}
	if authorizer == nil {
		_ = store.Close()
		return nil, errors.New("websocket auth is not configured: set a session public key or auth introspection credentials")
	}

	storyClient := newHTTPStoryClient()
	svc := newSyncService(store, storyClient, newCampaignStoryPoster(store, storyClient), serviceOptions{
		TradeTTL:          config.TradeTTL,
		ImpersonationTTL:  config.ImpersonationTTL,
		DebounceDelay:     config.DebounceDelay,
		HeartbeatInterval: config.HeartbeatInterval,
	})
	svc.reconcileStoryWatchers(ctx)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(svc, authorizer, true),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		svc:             svc,
	}, nil
}

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init sync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("sync server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.svc != nil {
		s.svc.close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close campaign store: %v", err)
		}
	}
}

// EnsureCampaignStoryWatcher reconciles the story watcher for one campaign
// after its configuration changes.
func (s *Server) EnsureCampaignStoryWatcher(ctx context.Context, campaignID string) error {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	s.svc.stories.Ensure(campaign)
	return nil
}
