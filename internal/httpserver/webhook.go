package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"messenger/internal/domain"
	"messenger/internal/observability"
	"messenger/internal/providers/twilio"
	"messenger/internal/service"
)

type DeliveryApplier interface {
	ApplyDeliveryStatus(ctx context.Context, upd domain.DeliveryUpdate, source string) (domain.Message, error)
}

// Webhook receives carrier delivery status callbacks. Every response has an
// empty body.
type Webhook struct {
	Deliveries      DeliveryApplier
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	// PublicURL is the externally visible base URL the carrier signs against.
	// Without it the URL is rebuilt from the request.
	PublicURL string
	// SkipSignature is set only for development and test environments.
	SkipSignature bool
}

func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc(twilio.StatusCallbackPath, wh.handleStatus).Methods(http.MethodPost)
}

func (wh *Webhook) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		observability.DeliveryCallbacks.WithLabelValues("bad_form").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !wh.SkipSignature {
		if wh.AuthToken == "" {
			slog.Error("delivery callback rejected: carrier auth token not configured")
			observability.DeliveryCallbacks.WithLabelValues("unauthorized").Inc()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		verify := wh.VerifySignature
		if verify == nil {
			verify = twilio.VerifySignature
		}
		if !verify(wh.AuthToken, wh.fullURL(r), r.Header.Get(twilio.SignatureHeader), r.PostForm) {
			slog.Warn("delivery callback rejected: invalid signature", "path", r.URL.Path)
			observability.DeliveryCallbacks.WithLabelValues("unauthorized").Inc()
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	cb := twilio.ParseCallback(r.PostForm)
	slog.Info("delivery callback received",
		"carrier_message_id", cb.MessageSid,
		"delivery_status", cb.MessageStatus,
		"error_code", cb.ErrorCode,
	)

	_, err := wh.Deliveries.ApplyDeliveryStatus(r.Context(), domain.DeliveryUpdate{
		CarrierMessageID: cb.MessageSid,
		Status:           domain.DeliveryStatus(cb.MessageStatus),
		ErrorCode:        cb.ErrorCode,
		ErrorMessage:     cb.ErrorMessage,
	}, service.SourceWebhook)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, domain.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		slog.Error("apply delivery callback failed",
			"err", err,
			"carrier_message_id", cb.MessageSid,
			"delivery_status", cb.MessageStatus,
		)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// fullURL is the URL the carrier requested, as it saw it.
func (wh *Webhook) fullURL(r *http.Request) string {
	if base := strings.TrimRight(wh.PublicURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
