package http

import (
	"log/slog"
	"net/http"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels/webchat"
)

// WebchatHandler mounts the browser widget's websocket endpoint onto a
// tenant's running webchat connector. The endpoint is public by design:
// it is what anonymous site visitors connect to.
type WebchatHandler struct {
	manager *channels.Manager
}

// NewWebchatHandler creates a handler for the webchat socket endpoint.
func NewWebchatHandler(manager *channels.Manager) *WebchatHandler {
	return &WebchatHandler{manager: manager}
}

// RegisterRoutes registers the webchat socket route on the given mux.
func (h *WebchatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/webchat/{userID}/{channelID}/ws", h.handleSocket)
}

func (h *WebchatHandler) handleSocket(w http.ResponseWriter, r *http.Request) {
	key := channels.Key{
		UserID:      r.PathValue("userID"),
		ChannelType: channels.TypeWebchat,
		ChannelID:   r.PathValue("channelID"),
	}
	conn, ok := h.manager.Get(key)
	if !ok {
		http.Error(w, "webchat channel not running", http.StatusServiceUnavailable)
		return
	}
	wc, ok := conn.(*webchat.Connector)
	if !ok {
		slog.Error("webchat route hit non-webchat connector", "key", key.String())
		http.Error(w, "webchat channel not running", http.StatusServiceUnavailable)
		return
	}
	wc.HandleWS(w, r)
}
