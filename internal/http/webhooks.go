package http

import (
	"net/http"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/webhook"
)

// WebhooksHandler mounts platform callback intake. No bearer auth: the
// platforms sign their deliveries, and the ingestor verifies that
// signature per connector before anything is processed.
type WebhooksHandler struct {
	ingestor *webhook.Ingestor
}

// NewWebhooksHandler creates a handler for webhook intake endpoints.
func NewWebhooksHandler(ingestor *webhook.Ingestor) *WebhooksHandler {
	return &WebhooksHandler{ingestor: ingestor}
}

// RegisterRoutes registers webhook routes on the given mux. The tenant
// is part of the path because platform callbacks carry no tenant header;
// each tenant registers its own callback URL with the platform.
func (h *WebhooksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/webhooks/{userID}/{channelType}", h.handleDelivery)
}

func (h *WebhooksHandler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	channelType := r.PathValue("channelType")
	if !channels.IsKnownType(channelType) {
		http.Error(w, "unknown channel type", http.StatusNotFound)
		return
	}
	h.ingestor.Handle(w, r, r.PathValue("userID"), channelType)
}
