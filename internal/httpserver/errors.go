package httpserver

import (
	"encoding/json"
	"net/http"
)

const (
	ErrInvalidJSON         = "Invalid JSON"
	ErrMessageNotFound     = "Message not found"
	ErrCreateMessage       = "Failed to create message"
	ErrCarrierUnconfigured = "SMS service is not properly configured"
	ErrSendFailed          = "Failed to send message"
	ErrCarrierUnavailable  = "SMS carrier request failed"
	ErrNoCarrierID         = "Message was not accepted by the carrier"
	ErrUnauthenticated     = "You need to sign in or sign up before continuing."
	ErrInternal            = "Internal server error"
)

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type statusBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}
