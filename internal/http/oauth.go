package http

import (
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/oauth"
)

// OAuthHandler drives the OAuth install flow: an authenticated start
// endpoint that hands out the authorization URL, and the unauthenticated
// callback the platform redirects the browser to.
type OAuthHandler struct {
	flows *oauth.Coordinator
	token string
}

// NewOAuthHandler creates a handler for OAuth flow endpoints.
func NewOAuthHandler(flows *oauth.Coordinator, token string) *OAuthHandler {
	return &OAuthHandler{flows: flows, token: token}
}

// RegisterRoutes registers OAuth routes on the given mux. The callback
// carries no bearer token: the single-use state parameter is what ties
// it back to the initiating tenant.
func (h *OAuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/oauth/{channelType}/start", authMiddleware(h.token, h.handleStart))
	mux.HandleFunc("GET /v1/oauth/callback", h.handleCallback)
}

func (h *OAuthHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	channelType := r.PathValue("channelType")
	userID := extractUserID(r)

	authURL, err := h.flows.Initiate(r.Context(), userID, channelType)
	if err != nil {
		if errors.Is(err, oauth.ErrUnknownProvider) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel type does not support OAuth"})
			return
		}
		slog.Error("oauth.start", "channel_type", channelType, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to start OAuth flow"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

func (h *OAuthHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		slog.Warn("oauth callback denied", "error", errCode)
		renderCallbackPage(w, http.StatusBadRequest, "Authorization was denied. You can close this window and try again.")
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		renderCallbackPage(w, http.StatusBadRequest, "Missing state or code parameter.")
		return
	}

	account, err := h.flows.Complete(r.Context(), state, code)
	if err != nil {
		if errors.Is(err, oauth.ErrStateMismatch) {
			renderCallbackPage(w, http.StatusBadRequest, "This authorization link has expired or was already used. Start the flow again.")
			return
		}
		slog.Error("oauth.callback", "error", err)
		renderCallbackPage(w, http.StatusBadGateway, "The authorization could not be completed. Start the flow again.")
		return
	}

	slog.Info("oauth install completed",
		"user", account.UserID, "channel_type", account.ChannelType, "channel", account.ChannelID)
	renderCallbackPage(w, http.StatusOK,
		fmt.Sprintf("Connected to %s. You can close this window.", account.DisplayName))
}

// renderCallbackPage writes a minimal human-facing page; the callback is
// opened in the installing user's browser, not by an API client.
func renderCallbackPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><html><body><p>%s</p></body></html>", html.EscapeString(message))
}
