package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"messenger/internal/auth"
	"messenger/internal/domain"
)

type MessageService interface {
	Submit(ctx context.Context, userID string, req domain.NewMessage) (domain.Message, error)
	List(ctx context.Context, userID string) ([]domain.Message, error)
	Get(ctx context.Context, userID, id string) (domain.Message, error)
	Refresh(ctx context.Context, userID, id string) (domain.Message, error)
}

type API struct {
	Svc MessageService
	// Auth guards every route; see RequireAuth.
	Auth func(http.Handler) http.Handler
}

func (a *API) Register(r *mux.Router) {
	r.Handle("/messages", a.Auth(http.HandlerFunc(a.handleCreate))).Methods(http.MethodPost)
	r.Handle("/messages", a.Auth(http.HandlerFunc(a.handleList))).Methods(http.MethodGet)
	r.Handle("/messages/{id}", a.Auth(http.HandlerFunc(a.handleShow))).Methods(http.MethodGet)
	r.Handle("/messages/{id}/refresh", a.Auth(http.HandlerFunc(a.handleRefresh))).Methods(http.MethodPost)
}

type createResponse struct {
	Message string             `json:"message"`
	Data    domain.MessageView `json:"data"`
}

type dataResponse struct {
	Data any `json:"data"`
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	var req domain.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}

	m, err := a.Svc.Submit(r.Context(), p.UserID, req.Message)
	if err != nil {
		writeSubmitError(w, err, p.UserID, m.ID)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Message: "Message is being sent", Data: m.View()})
}

func writeSubmitError(w http.ResponseWriter, err error, userID, messageID string) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusUnprocessableEntity, ErrCreateMessage, ve.Details...)
		return
	}
	if ce, ok := domain.CarrierErrorOf(err); ok {
		switch ce.Kind {
		case domain.CarrierConfiguration:
			writeError(w, http.StatusServiceUnavailable, ErrCarrierUnconfigured, ce.Message)
		case domain.CarrierArgument:
			writeError(w, http.StatusUnprocessableEntity, ErrCreateMessage, ce.Message)
		default:
			writeError(w, http.StatusInternalServerError, ErrSendFailed, ce.Message)
		}
		return
	}
	slog.Error("submit message failed", "err", err, "user_id", userID, "message_id", messageID)
	writeError(w, http.StatusInternalServerError, ErrInternal)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	msgs, err := a.Svc.List(r.Context(), p.UserID)
	if err != nil {
		slog.Error("list messages failed", "err", err, "user_id", p.UserID)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: domain.Views(msgs)})
}

func (a *API) handleShow(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	id := mux.Vars(r)["id"]
	m, err := a.Svc.Get(r.Context(), p.UserID, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrMessageNotFound)
			return
		}
		slog.Error("get message failed", "err", err, "user_id", p.UserID, "message_id", id)
		writeError(w, http.StatusInternalServerError, ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: m.View()})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())
	id := mux.Vars(r)["id"]
	m, err := a.Svc.Refresh(r.Context(), p.UserID, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, dataResponse{Data: m.View()})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrMessageNotFound)
	case errors.Is(err, domain.ErrNoCarrierID):
		writeError(w, http.StatusConflict, ErrNoCarrierID)
	default:
		if ce, ok := domain.CarrierErrorOf(err); ok {
			if ce.Kind == domain.CarrierConfiguration {
				writeError(w, http.StatusServiceUnavailable, ErrCarrierUnconfigured, ce.Message)
				return
			}
			writeError(w, http.StatusBadGateway, ErrCarrierUnavailable, ce.Message)
			return
		}
		slog.Error("refresh message failed", "err", err, "user_id", p.UserID, "message_id", id)
		writeError(w, http.StatusInternalServerError, ErrInternal)
	}
}
