package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"messenger/internal/domain"
	"messenger/internal/observability"
	sqsqueue "messenger/internal/queue/sqs"
	"messenger/internal/store"
	"messenger/internal/util"
)

const defaultSendTimeout = 10 * time.Second

type MessageStore interface {
	InsertMessage(ctx context.Context, m domain.Message) error
	MarkSubmitted(ctx context.Context, in store.SubmissionResult) error
	ListMessages(ctx context.Context, userID string) ([]domain.Message, error)
	GetMessage(ctx context.Context, userID, id string) (domain.Message, error)
	ApplyDelivery(ctx context.Context, in store.DeliveryApply) (domain.Message, error)
}

// Carrier is satisfied by *twilio.Client and twilio.Unconfigured.
type Carrier interface {
	Send(ctx context.Context, to, body, from string) (domain.SendReceipt, error)
	FetchStatus(ctx context.Context, sid string) (domain.DeliveryUpdate, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev sqsqueue.DeliveryEvent) error
}

// Delivery update sources, carried on published events.
const (
	SourceWebhook = "webhook"
	SourceRefresh = "refresh"
)

type MessageService struct {
	Store   MessageStore
	Carrier Carrier
	Breaker *gobreaker.CircuitBreaker
	// Events is optional.
	Events EventPublisher

	FromNumber string
	Timeout    time.Duration
	Now        func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *MessageService) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultSendTimeout
}

// Submit validates the request, records the attempt as in_process and calls
// the carrier. When it returns after the record was created, the record is
// sent or not_sent. The returned message is valid whenever its ID is set,
// including on carrier errors.
func (s *MessageService) Submit(ctx context.Context, userID string, req domain.NewMessage) (domain.Message, error) {
	req.ReceiverPhoneNumber = util.NormalizePhone(req.ReceiverPhoneNumber)
	if err := req.Validate(); err != nil {
		observability.Submissions.WithLabelValues("invalid").Inc()
		return domain.Message{}, err
	}

	now := s.now()
	m := domain.Message{
		ID:             util.NewMessageID(),
		UserID:         userID,
		SenderNumber:   s.FromNumber,
		ReceiverNumber: req.ReceiverPhoneNumber,
		Text:           req.Text,
		Status:         domain.StatusInProcess,
		SentAt:         now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.InsertMessage(ctx, m); err != nil {
		return domain.Message{}, err
	}

	// The attempt is finished and recorded even if the client goes away.
	detached := context.WithoutCancel(ctx)

	sendCtx, cancel := context.WithTimeout(detached, s.timeout())
	receipt, sendErr := s.send(sendCtx, m.ReceiverNumber, m.Text, m.SenderNumber)
	cancel()

	if sendErr != nil {
		s.markNotSent(detached, &m, sendErr)
		return m, sendErr
	}

	if err := s.Store.MarkSubmitted(detached, store.SubmissionResult{
		ID: m.ID, Status: domain.StatusSent, CarrierMessageID: receipt.CarrierMessageID, Now: s.now(),
	}); err != nil {
		slog.Error("record sent message failed",
			"err", err,
			"message_id", m.ID,
			"carrier_message_id", receipt.CarrierMessageID,
			"user_id", userID,
		)
		s.markNotSent(detached, &m, err)
		return m, fmt.Errorf("record sent message %s: %w", m.ID, err)
	}

	m.Status = domain.StatusSent
	m.CarrierMessageID = receipt.CarrierMessageID
	observability.Submissions.WithLabelValues(string(m.Status)).Inc()
	slog.Info("message sent",
		"message_id", m.ID,
		"carrier_message_id", m.CarrierMessageID,
		"carrier_status", receipt.CarrierStatus,
		"user_id", userID,
	)
	return m, nil
}

func (s *MessageService) markNotSent(ctx context.Context, m *domain.Message, cause error) {
	attrs := []any{"err", cause, "message_id", m.ID, "user_id", m.UserID}
	if ce, ok := domain.CarrierErrorOf(cause); ok {
		attrs = append(attrs, "error_kind", ce.Kind.String(), "error_code", ce.Code, "carrier_http_status", ce.HTTPStatus)
	}
	slog.Error("message not sent", attrs...)

	m.Status = domain.StatusNotSent
	observability.Submissions.WithLabelValues(string(m.Status)).Inc()
	if err := s.Store.MarkSubmitted(ctx, store.SubmissionResult{ID: m.ID, Status: domain.StatusNotSent, Now: s.now()}); err != nil {
		slog.Error("record not_sent failed; message left in_process", "err", err, "message_id", m.ID)
	}
}

// send wraps the carrier call in the circuit breaker. Configuration and
// argument errors do not count as carrier failures.
func (s *MessageService) send(ctx context.Context, to, body, from string) (domain.SendReceipt, error) {
	start := time.Now()
	call := func() (interface{}, error) {
		r, err := s.Carrier.Send(ctx, to, body, from)
		return r, err
	}

	var (
		res interface{}
		err error
	)
	if s.Breaker == nil {
		res, err = call()
	} else {
		res, err = s.Breaker.Execute(call)
	}
	observability.CarrierLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.CarrierSend.WithLabelValues("cb_open", "0").Inc()
		return domain.SendReceipt{}, &domain.CarrierError{
			Kind:    domain.CarrierSend,
			Message: "carrier temporarily unavailable",
			Err:     err,
		}
	}
	if err != nil {
		status := 0
		result := "error"
		if ce, ok := domain.CarrierErrorOf(err); ok {
			status = ce.HTTPStatus
			result = ce.Kind.String() + "_error"
		}
		observability.CarrierSend.WithLabelValues(result, strconv.Itoa(status)).Inc()
		return domain.SendReceipt{}, err
	}
	observability.CarrierSend.WithLabelValues("ok", "201").Inc()
	return res.(domain.SendReceipt), nil
}

// NewCarrierBreaker trips after ten consecutive carrier failures.
func NewCarrierBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "carrier",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		IsSuccessful: func(err error) bool {
			return err == nil ||
				domain.IsCarrierKind(err, domain.CarrierConfiguration) ||
				domain.IsCarrierKind(err, domain.CarrierArgument)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// List returns the caller's messages, newest first by sent_at.
func (s *MessageService) List(ctx context.Context, userID string) ([]domain.Message, error) {
	return s.Store.ListMessages(ctx, userID)
}

func (s *MessageService) Get(ctx context.Context, userID, id string) (domain.Message, error) {
	return s.Store.GetMessage(ctx, userID, id)
}

// ApplyDeliveryStatus reconciles one carrier report. The delivery status is
// always written; error code and message are written together when a code is
// present; delivered_at is set only for exactly "delivered". status is never
// touched. Repeated reports simply re-apply their fields.
func (s *MessageService) ApplyDeliveryStatus(ctx context.Context, upd domain.DeliveryUpdate, source string) (domain.Message, error) {
	if strings.TrimSpace(upd.CarrierMessageID) == "" {
		return domain.Message{}, domain.ErrNotFound
	}

	now := s.now()
	in := store.DeliveryApply{
		CarrierMessageID: upd.CarrierMessageID,
		DeliveryStatus:   upd.Status,
		Now:              now,
	}
	if upd.ErrorCode != "" {
		in.ErrorCode = upd.ErrorCode
		in.ErrorMessage = upd.ErrorMessage
	}
	if upd.Status.Delivered() {
		in.DeliveredAt = &now
	}

	m, err := s.Store.ApplyDelivery(ctx, in)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			observability.DeliveryCallbacks.WithLabelValues("not_found").Inc()
			slog.Warn("delivery update for unknown message", "carrier_message_id", upd.CarrierMessageID, "delivery_status", upd.Status, "source", source)
			return domain.Message{}, err
		}
		observability.DeliveryCallbacks.WithLabelValues("error").Inc()
		return domain.Message{}, err
	}

	observability.DeliveryCallbacks.WithLabelValues("applied").Inc()
	observability.DeliveryStatuses.WithLabelValues(string(upd.Status)).Inc()
	attrs := []any{
		"message_id", m.ID,
		"carrier_message_id", m.CarrierMessageID,
		"delivery_status", m.DeliveryStatus,
		"source", source,
	}
	if in.ErrorCode != "" {
		attrs = append(attrs, "error_code", in.ErrorCode, "error_message", in.ErrorMessage)
	}
	slog.Info("delivery status applied", attrs...)

	s.publish(ctx, m, source, now)
	return m, nil
}

func (s *MessageService) publish(ctx context.Context, m domain.Message, source string, now time.Time) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(context.WithoutCancel(ctx), sqsqueue.NewDeliveryEvent(m, source, now)); err != nil {
		observability.DeliveryEvents.WithLabelValues("error").Inc()
		slog.Error("publish delivery event failed", "err", err, "message_id", m.ID, "carrier_message_id", m.CarrierMessageID)
		return
	}
	observability.DeliveryEvents.WithLabelValues("ok").Inc()
}

// Refresh asks the carrier for the current state of one of the caller's
// messages and applies it like a delivery callback.
func (s *MessageService) Refresh(ctx context.Context, userID, id string) (domain.Message, error) {
	m, err := s.Store.GetMessage(ctx, userID, id)
	if err != nil {
		return domain.Message{}, err
	}
	if m.CarrierMessageID == "" {
		return m, domain.ErrNoCarrierID
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	upd, err := s.Carrier.FetchStatus(fetchCtx, m.CarrierMessageID)
	if err != nil {
		slog.Error("fetch carrier status failed", "err", err, "message_id", m.ID, "carrier_message_id", m.CarrierMessageID)
		return m, err
	}
	if upd.Status == "" {
		return m, nil
	}
	upd.CarrierMessageID = m.CarrierMessageID
	return s.ApplyDeliveryStatus(ctx, upd, SourceRefresh)
}
