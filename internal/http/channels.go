// Package http exposes the gateway's REST surface: channel account
// management, lifecycle control, OAuth installs, webhook intake, and the
// webchat widget socket. Credentials are write-only through this API;
// responses mask them.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/service"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// Lifecycle is the channel start/stop surface the handlers drive.
// Implemented by service.ChannelService.
type Lifecycle interface {
	StartChannel(ctx context.Context, userID string, accountID uuid.UUID, force bool) error
	StopChannel(ctx context.Context, userID string, accountID uuid.UUID) error
	GetState(userID string, accountID uuid.UUID) (service.ChannelState, bool)
	GetUserChannels(userID string) []service.ChannelState
}

// ChannelsHandler handles channel account CRUD and lifecycle endpoints.
type ChannelsHandler struct {
	accounts store.ChannelAccountStore
	svc      Lifecycle
	pairing  *channels.PairingTracker
	token    string
}

// NewChannelsHandler creates a handler for channel management endpoints.
func NewChannelsHandler(accounts store.ChannelAccountStore, svc Lifecycle, pairing *channels.PairingTracker, token string) *ChannelsHandler {
	return &ChannelsHandler{accounts: accounts, svc: svc, pairing: pairing, token: token}
}

// RegisterRoutes registers all channel management routes on the given mux.
func (h *ChannelsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/channels", h.auth(h.handleList))
	mux.HandleFunc("POST /v1/channels", h.auth(h.handleUpsert))
	mux.HandleFunc("GET /v1/channels/{id}", h.auth(h.handleGet))
	mux.HandleFunc("DELETE /v1/channels/{id}", h.auth(h.handleDelete))
	mux.HandleFunc("POST /v1/channels/{id}/start", h.auth(h.handleStart))
	mux.HandleFunc("POST /v1/channels/{id}/stop", h.auth(h.handleStop))
	mux.HandleFunc("GET /v1/channels/{id}/status", h.auth(h.handleStatus))
	mux.HandleFunc("GET /v1/channels/{id}/pairing", h.auth(h.handlePairing))
}

func (h *ChannelsHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return authMiddleware(h.token, next)
}

func (h *ChannelsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := extractUserID(r)
	accounts, err := h.accounts.ListByUser(r.Context(), userID)
	if err != nil {
		slog.Error("channels.list", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list channels"})
		return
	}

	result := make([]map[string]interface{}, 0, len(accounts))
	for _, a := range accounts {
		result = append(result, maskAccount(&a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": result})
}

func (h *ChannelsHandler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChannelType string          `json:"channel_type"`
		ChannelID   string          `json:"channel_id"`
		AccessToken string          `json:"access_token"`
		Config      json.RawMessage `json:"config"`
		DisplayName string          `json:"display_name"`
		Active      *bool           `json:"active"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.ChannelType == "" || body.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel_type and channel_id are required"})
		return
	}
	if !channels.IsKnownType(body.ChannelType) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel_type"})
		return
	}

	active := true
	if body.Active != nil {
		active = *body.Active
	}

	userID := extractUserID(r)

	// Preserve credentials already on file when the update omits them,
	// so config-only edits do not wipe tokens.
	existing, err := h.accounts.GetByTriple(r.Context(), userID, body.ChannelType, body.ChannelID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("channels.upsert lookup", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save channel"})
		return
	}

	fields := store.UpsertFields{
		AccessToken: body.AccessToken,
		Config:      body.Config,
		DisplayName: body.DisplayName,
		Active:      active,
	}
	if existing != nil {
		fields.AccountID = existing.AccountID
		fields.RefreshToken = existing.RefreshToken
		fields.Scopes = existing.Scopes
		fields.TokenExpiresAt = existing.TokenExpiresAt
		if fields.AccessToken == "" {
			fields.AccessToken = existing.AccessToken
		}
		if len(fields.Config) == 0 {
			fields.Config = existing.Config
		}
		if fields.DisplayName == "" {
			fields.DisplayName = existing.DisplayName
		}
	}

	account, err := h.accounts.Upsert(r.Context(), userID, body.ChannelType, body.ChannelID, fields)
	if err != nil {
		slog.Error("channels.upsert", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save channel"})
		return
	}

	status := http.StatusCreated
	if existing != nil {
		status = http.StatusOK
	}
	writeJSON(w, status, maskAccount(account))
}

func (h *ChannelsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, maskAccount(account))
}

func (h *ChannelsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}

	// Take it offline first so the connector does not outlive the record.
	if err := h.svc.StopChannel(r.Context(), account.UserID, account.ID); err != nil {
		slog.Warn("channels.delete stop", "account", account.ID, "error", err)
	}
	if err := h.accounts.Delete(r.Context(), account.ID); err != nil {
		slog.Error("channels.delete", "account", account.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete channel"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (h *ChannelsHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := h.svc.StartChannel(r.Context(), account.UserID, account.ID, force); err != nil {
		if errors.Is(err, service.ErrAccountInactive) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "account is not active"})
			return
		}
		if errors.Is(err, channels.ErrCredentialMissing) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("channels.start", "account", account.ID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	state, _ := h.svc.GetState(account.UserID, account.ID)
	writeJSON(w, http.StatusOK, state)
}

func (h *ChannelsHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	if err := h.svc.StopChannel(r.Context(), account.UserID, account.ID); err != nil {
		slog.Error("channels.stop", "account", account.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (h *ChannelsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	state, known := h.svc.GetState(account.UserID, account.ID)
	if !known {
		state = service.ChannelState{
			AccountID:   account.ID,
			UserID:      account.UserID,
			ChannelType: account.ChannelType,
		}
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *ChannelsHandler) handlePairing(w http.ResponseWriter, r *http.Request) {
	account, ok := h.loadAccount(w, r)
	if !ok {
		return
	}
	state, known := h.pairing.Get(channels.PairingKey(account.UserID, account.AccountID))
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing in progress"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// loadAccount resolves {id} against the caller's tenant. Writes the
// error response itself when the lookup fails.
func (h *ChannelsHandler) loadAccount(w http.ResponseWriter, r *http.Request) (*store.ChannelAccount, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid channel ID"})
		return nil, false
	}
	account, err := h.accounts.Get(r.Context(), extractUserID(r), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel not found"})
		return nil, false
	}
	return account, true
}

// maskAccount renders an account for API consumers. Tokens never appear;
// only their presence does.
func maskAccount(a *store.ChannelAccount) map[string]interface{} {
	return map[string]interface{}{
		"id":               a.ID,
		"channel_type":     a.ChannelType,
		"channel_id":       a.ChannelID,
		"account_id":       a.AccountID,
		"display_name":     a.DisplayName,
		"scopes":           a.Scopes,
		"config":           a.Config,
		"active":           a.Active,
		"has_credentials":  a.AccessToken != "",
		"token_expires_at": a.TokenExpiresAt,
		"created_at":       a.CreatedAt,
		"updated_at":       a.UpdatedAt,
	}
}

func authMiddleware(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && extractBearerToken(r) != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return tok
	}
	return ""
}

// extractUserID resolves the tenant for the request. Standalone
// deployments run single-tenant and omit the header.
func extractUserID(r *http.Request) string {
	if v := r.Header.Get("X-MaiaChat-User-Id"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
