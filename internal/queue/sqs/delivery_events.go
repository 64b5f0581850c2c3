package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"messenger/internal/domain"
)

// SendMessageAPI is the part of *sqs.Client the producer uses.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeliveryEvent is published after a delivery update has been applied.
// Keep it small; SQS has a 256KB message size limit.
type DeliveryEvent struct {
	MessageID            string     `json:"messageId"`
	UserID               string     `json:"userId"`
	CarrierMessageID     string     `json:"carrierMessageId"`
	DeliveryStatus       string     `json:"deliveryStatus"`
	DeliveryErrorCode    string     `json:"deliveryErrorCode,omitempty"`
	DeliveryErrorMessage string     `json:"deliveryErrorMessage,omitempty"`
	DeliveredAt          *time.Time `json:"deliveredAt,omitempty"`
	Source               string     `json:"source"`
	OccurredAt           time.Time  `json:"occurredAt"`
}

func NewDeliveryEvent(m domain.Message, source string, now time.Time) DeliveryEvent {
	return DeliveryEvent{
		MessageID:            m.ID,
		UserID:               m.UserID,
		CarrierMessageID:     m.CarrierMessageID,
		DeliveryStatus:       string(m.DeliveryStatus),
		DeliveryErrorCode:    m.DeliveryErrorCode,
		DeliveryErrorMessage: m.DeliveryErrorMessage,
		DeliveredAt:          m.DeliveredAt,
		Source:               source,
		OccurredAt:           now,
	}
}

type DeliveryEventProducer struct {
	SQS      SendMessageAPI
	QueueURL string
}

func (p *DeliveryEventProducer) Publish(ctx context.Context, ev DeliveryEvent) error {
	in, err := p.input(ev)
	if err != nil {
		return err
	}
	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("publish delivery event %s: %w", ev.CarrierMessageID, err)
	}
	return nil
}

func (p *DeliveryEventProducer) input(ev DeliveryEvent) (*sqs.SendMessageInput, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"source": {DataType: str("String"), StringValue: str(ev.Source)},
		},
	}
	// SQS rejects empty attribute values.
	if ev.DeliveryStatus != "" {
		in.MessageAttributes["delivery_status"] = types.MessageAttributeValue{DataType: str("String"), StringValue: str(ev.DeliveryStatus)}
	}
	// FIFO queues keep events for one message in order.
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		in.MessageGroupId = str(ev.CarrierMessageID)
		in.MessageDeduplicationId = str(fmt.Sprintf("%s:%s:%d", ev.CarrierMessageID, ev.DeliveryStatus, ev.OccurredAt.UnixNano()))
	}
	return in, nil
}

func str(s string) *string { return &s }
