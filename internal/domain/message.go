package domain

import "time"

// MaxBodyLength is the carrier's hard limit on message text, in characters.
const MaxBodyLength = 1600

// Status is the outcome of the synchronous submission to the carrier.
type Status string

const (
	StatusInProcess Status = "in_process"
	StatusSent      Status = "sent"
	StatusNotSent   Status = "not_sent"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInProcess, StatusSent, StatusNotSent:
		return true
	}
	return false
}

// Terminal reports whether the submission step has finished.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusNotSent
}

// DeliveryStatus is the carrier-reported delivery progress. It is free-form:
// whatever the carrier sends is stored as is. The constants are the values
// Twilio is known to emit.
type DeliveryStatus string

const (
	DeliveryQueued      DeliveryStatus = "queued"
	DeliveryAccepted    DeliveryStatus = "accepted"
	DeliverySending     DeliveryStatus = "sending"
	DeliverySent        DeliveryStatus = "sent"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryUndelivered DeliveryStatus = "undelivered"
	DeliveryFailed      DeliveryStatus = "failed"
)

// Delivered is a case-sensitive exact match on "delivered".
func (d DeliveryStatus) Delivered() bool {
	return d == DeliveryDelivered
}

// Message is one outbound SMS attempt. Status and DeliveryStatus are
// independent: only submission writes Status, only reconciliation writes the
// Delivery* fields.
type Message struct {
	ID               string
	UserID           string
	SenderNumber     string
	ReceiverNumber   string
	Text             string
	Status           Status
	CarrierMessageID string

	DeliveryStatus       DeliveryStatus
	DeliveryErrorCode    string
	DeliveryErrorMessage string
	DeliveredAt          *time.Time

	SentAt    time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryUpdate is one carrier report about a previously accepted message.
type DeliveryUpdate struct {
	CarrierMessageID string
	Status           DeliveryStatus
	ErrorCode        string
	ErrorMessage     string
}

// SendReceipt is the carrier's acceptance of an outbound message.
type SendReceipt struct {
	CarrierMessageID string
	CarrierStatus    string
}

// MessageView is the JSON representation returned by the API.
type MessageView struct {
	ID                   string     `json:"id"`
	SenderPhoneNumber    string     `json:"sender_phone_number"`
	ReceiverPhoneNumber  string     `json:"receiver_phone_number"`
	Text                 string     `json:"text"`
	SentAt               time.Time  `json:"sent_at"`
	Status               Status     `json:"status"`
	CarrierMessageID     *string    `json:"carrier_message_id"`
	UserID               string     `json:"user_id"`
	DeliveryStatus       *string    `json:"delivery_status"`
	DeliveryErrorCode    *string    `json:"delivery_error_code"`
	DeliveryErrorMessage *string    `json:"delivery_error_message"`
	DeliveredAt          *time.Time `json:"delivered_at"`
}

func (m Message) View() MessageView {
	return MessageView{
		ID:                   m.ID,
		SenderPhoneNumber:    m.SenderNumber,
		ReceiverPhoneNumber:  m.ReceiverNumber,
		Text:                 m.Text,
		SentAt:               m.SentAt,
		Status:               m.Status,
		CarrierMessageID:     optional(m.CarrierMessageID),
		UserID:               m.UserID,
		DeliveryStatus:       optional(string(m.DeliveryStatus)),
		DeliveryErrorCode:    optional(m.DeliveryErrorCode),
		DeliveryErrorMessage: optional(m.DeliveryErrorMessage),
		DeliveredAt:          m.DeliveredAt,
	}
}

func Views(msgs []Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.View())
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
