package store

import (
	"time"

	"messenger/internal/domain"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// SubmissionResult records the outcome of the carrier call for a message
// still in process. CarrierMessageID is empty unless Status is sent.
type SubmissionResult struct {
	ID               string
	Status           domain.Status
	CarrierMessageID string
	Now              time.Time
}

// DeliveryApply is one reconciliation write. ErrorCode and ErrorMessage are
// written together and only when ErrorCode is set; DeliveredAt only when
// non-nil.
type DeliveryApply struct {
	CarrierMessageID string
	DeliveryStatus   domain.DeliveryStatus
	ErrorCode        string
	ErrorMessage     string
	DeliveredAt      *time.Time
	Now              time.Time
}
