package twilio

import (
	"fmt"
	"strings"

	"messenger/internal/domain"
)

// Twilio error codes with a friendlier explanation than the API's own text.
var errorMessages = map[int]string{
	21211: "Invalid phone number format. Please use E.164 format (e.g., +1234567890)",
	21614: "Invalid 'To' phone number",
	21408: "Permission denied for this phone number",
	21610: "Message cannot be sent to landline or unreachable number",
	21659: "The 'From' phone number is not registered in your Twilio account. Please use a Twilio phone number or verify this number in your Twilio console.",
	21606: "The 'From' phone number is not a valid, SMS-capable inbound phone number for your account",
	21608: "The 'To' number is not currently reachable via SMS",
}

// authErrorCode is returned when the account SID / auth token pair is rejected.
const authErrorCode = 20003

func FormatErrorMessage(code int, message string) string {
	if m, ok := errorMessages[code]; ok {
		return m
	}
	return fmt.Sprintf("Twilio error (%d): %s", code, message)
}

func configurationError(missing []string) *domain.CarrierError {
	return &domain.CarrierError{
		Kind:    domain.CarrierConfiguration,
		Message: "Twilio credentials not configured. Missing: " + strings.Join(missing, ", "),
	}
}

func argumentError(msg string) *domain.CarrierError {
	return &domain.CarrierError{Kind: domain.CarrierArgument, Message: msg}
}

// apiError translates a non-2xx Twilio response. Rejected credentials are a
// configuration problem; everything else is a send failure.
func apiError(httpStatus int, body apiErrorBody) *domain.CarrierError {
	code := body.code()
	kind := domain.CarrierSend
	if code == authErrorCode || httpStatus == 401 {
		kind = domain.CarrierConfiguration
	}
	msg := body.Message
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", httpStatus)
	}
	if code != 0 {
		msg = FormatErrorMessage(code, msg)
	}
	return &domain.CarrierError{Kind: kind, Code: code, HTTPStatus: httpStatus, Message: msg}
}

type apiErrorBody struct {
	Code      int    `json:"code"`
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
}

func (b apiErrorBody) code() int {
	if b.Code != 0 {
		return b.Code
	}
	return b.ErrorCode
}
