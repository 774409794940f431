package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teacurran/village-homepage/pkg/gateway"
	"github.com/teacurran/village-homepage/pkg/marketplace"
)

// maxWebhookBody bounds how much of a webhook payload is read.
const maxWebhookBody = 1 << 20

// WebhookHandler receives collaborator callbacks. Signatures are
// verified before any payload field is trusted.
type WebhookHandler struct {
	marketplace  *marketplace.Service
	stripeSecret string
	logger       *slog.Logger
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(mkt *marketplace.Service, stripeSecret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{marketplace: mkt, stripeSecret: stripeSecret, logger: logger}
}

// Routes mounts the webhook endpoints. Unauthenticated by design: the
// signature is the authentication.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe", h.handleStripe)
	return r
}

// stripeEvent is the subset of the webhook envelope the core reads.
type stripeEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

func (h *WebhookHandler) handleStripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if err := gateway.VerifyWebhookSignature(body, sig, h.stripeSecret, time.Now()); err != nil {
		h.logger.Warn("rejecting stripe webhook", "error", err)
		RespondError(w, http.StatusUnauthorized, "unauthorized", "signature verification failed")
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "malformed event")
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		err := h.marketplace.HandlePaymentSucceeded(r.Context(), event.Data.Object.ID)
		switch {
		case errors.Is(err, marketplace.ErrNotFound):
			// Unknown intent: acknowledged so Stripe stops retrying,
			// logged for investigation.
			h.logger.Warn("payment intent matches no listing", "intent_id", event.Data.Object.ID)
		case err != nil:
			h.logger.Error("processing payment webhook", "intent_id", event.Data.Object.ID, "error", err)
			RespondError(w, http.StatusInternalServerError, "internal", "processing failed")
			return
		}
	default:
		h.logger.Debug("ignoring stripe event", "type", event.Type)
	}

	Respond(w, http.StatusOK, map[string]string{"received": "true"})
}
