package handlers

import (
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stackplane/controlplane/internal/billing"
	"github.com/stackplane/controlplane/internal/services"
	"github.com/stackplane/controlplane/pkg/logger"
)

// SignatureHeader carries the billing processor's HMAC signature.
const SignatureHeader = "Webhook-Signature"

const maxWebhookBody = 1 << 20

type WebhooksHandler struct {
	secret    []byte
	lifecycle services.LifecycleService
}

func NewWebhooksHandler(secret []byte, lifecycle services.LifecycleService) *WebhooksHandler {
	return &WebhooksHandler{secret: secret, lifecycle: lifecycle}
}

// Billing receives payment-processor events. The signature is verified before
// the body is even parsed; processing errors return 5xx so the processor
// redelivers. A failed event is unmarked by the reconciler, so the redelivery
// is reprocessed while duplicates of handled events stay no-ops.
func (h *WebhooksHandler) Billing(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondInvalid(w, "unreadable body")
		return
	}

	if err := billing.VerifySignature(h.secret, r.Header.Get(SignatureHeader), body, time.Now()); err != nil {
		logger.L().Warn("webhook signature rejected", zap.Error(err))
		respondError(w, err)
		return
	}

	ev, err := billing.ParseEvent(body)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := h.lifecycle.HandleEvent(r.Context(), ev); err != nil {
		logger.L().Error("billing event processing failed",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"received": true})
}
