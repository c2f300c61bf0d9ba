package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/config"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/oauth"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/webhook"
)

// Server owns the HTTP listener and its route set.
type Server struct {
	cfg  config.ServerConfig
	http *http.Server

	channelsHandler *ChannelsHandler
	oauthHandler    *OAuthHandler
	webhooksHandler *WebhooksHandler
	webchatHandler  *WebchatHandler
}

// ServerDeps wires the collaborators the HTTP surface exposes.
type ServerDeps struct {
	Accounts store.ChannelAccountStore
	Service  Lifecycle
	Manager  *channels.Manager
	OAuth    *oauth.Coordinator
	Ingestor *webhook.Ingestor
}

// NewServer assembles the route handlers over the given dependencies.
func NewServer(cfg config.ServerConfig, deps ServerDeps) *Server {
	return &Server{
		cfg:             cfg,
		channelsHandler: NewChannelsHandler(deps.Accounts, deps.Service, deps.Manager.Pairing(), cfg.AuthToken),
		oauthHandler:    NewOAuthHandler(deps.OAuth, cfg.AuthToken),
		webhooksHandler: NewWebhooksHandler(deps.Ingestor),
		webchatHandler:  NewWebchatHandler(deps.Manager),
	}
}

// BuildMux constructs the route table.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	s.channelsHandler.RegisterRoutes(mux)
	s.oauthHandler.RegisterRoutes(mux)
	s.webhooksHandler.RegisterRoutes(mux)
	s.webchatHandler.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.BuildMux(),
		// No WriteTimeout: the webchat socket endpoint holds connections open.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("http server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
