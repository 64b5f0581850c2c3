package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"messenger/internal/config"
	"messenger/internal/domain"
	"messenger/internal/providers/twilio"
	sqsqueue "messenger/internal/queue/sqs"
	"messenger/internal/store"
)

type memStore struct {
	mu   sync.Mutex
	msgs map[string]domain.Message
}

func newMemStore() *memStore { return &memStore{msgs: map[string]domain.Message{}} }

func (s *memStore) InsertMessage(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = m
	return nil
}

func (s *memStore) MarkSubmitted(_ context.Context, in store.SubmissionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[in.ID]
	if !ok || m.Status != domain.StatusInProcess {
		return domain.ErrNotFound
	}
	if in.CarrierMessageID != "" {
		for _, other := range s.msgs {
			if other.CarrierMessageID == in.CarrierMessageID {
				return domain.ErrDuplicateCarrierID
			}
		}
	}
	m.Status = in.Status
	m.CarrierMessageID = in.CarrierMessageID
	m.UpdatedAt = in.Now
	s.msgs[in.ID] = m
	return nil
}

func (s *memStore) ListMessages(_ context.Context, userID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Message{}
	for _, m := range s.msgs {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return out, nil
}

func (s *memStore) GetMessage(_ context.Context, userID, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.UserID != userID {
		return domain.Message{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memStore) ApplyDelivery(_ context.Context, in store.DeliveryApply) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.msgs {
		if m.CarrierMessageID == "" || m.CarrierMessageID != in.CarrierMessageID {
			continue
		}
		m.DeliveryStatus = in.DeliveryStatus
		if in.ErrorCode != "" {
			m.DeliveryErrorCode = in.ErrorCode
			m.DeliveryErrorMessage = in.ErrorMessage
		}
		if in.DeliveredAt != nil {
			t := *in.DeliveredAt
			m.DeliveredAt = &t
		}
		m.UpdatedAt = in.Now
		s.msgs[id] = m
		return m, nil
	}
	return domain.Message{}, domain.ErrNotFound
}

func (s *memStore) only(t *testing.T) domain.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) != 1 {
		t.Fatalf("expected exactly one record, have %d", len(s.msgs))
	}
	for _, m := range s.msgs {
		return m
	}
	return domain.Message{}
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type sendCall struct{ to, body, from string }

type fakeCarrier struct {
	mu      sync.Mutex
	calls   []sendCall
	sid     string
	sendErr error
	block   bool

	update   domain.DeliveryUpdate
	fetchErr error
}

func (c *fakeCarrier) Send(ctx context.Context, to, body, from string) (domain.SendReceipt, error) {
	c.mu.Lock()
	c.calls = append(c.calls, sendCall{to, body, from})
	c.mu.Unlock()
	if c.block {
		<-ctx.Done()
		return domain.SendReceipt{}, &domain.CarrierError{Kind: domain.CarrierSend, Message: "Twilio request timed out", Err: ctx.Err()}
	}
	if c.sendErr != nil {
		return domain.SendReceipt{}, c.sendErr
	}
	return domain.SendReceipt{CarrierMessageID: c.sid, CarrierStatus: "queued"}, nil
}

func (c *fakeCarrier) FetchStatus(_ context.Context, sid string) (domain.DeliveryUpdate, error) {
	if c.fetchErr != nil {
		return domain.DeliveryUpdate{}, c.fetchErr
	}
	u := c.update
	u.CarrierMessageID = sid
	return u, nil
}

func (c *fakeCarrier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type recordingPublisher struct {
	events []sqsqueue.DeliveryEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev sqsqueue.DeliveryEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(st *memStore, c Carrier) *MessageService {
	return &MessageService{
		Store:      st,
		Carrier:    c,
		Breaker:    NewCarrierBreaker(),
		FromNumber: "+15550000000",
		Timeout:    time.Second,
		Now:        func() time.Time { return fixedNow },
	}
}

func TestSubmit_Success(t *testing.T) {
	st := newMemStore()
	c := &fakeCarrier{sid: "SM123"}
	svc := newService(st, c)

	m, err := svc.Submit(context.Background(), "usr_a", domain.NewMessage{ReceiverPhoneNumber: " +1 555 123 4567", Text: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Status != domain.StatusSent || m.CarrierMessageID != "SM123" {
		t.Fatalf("unexpected result %+v", m)
	}
	rec := st.only(t)
	if rec.Status != domain.StatusSent || rec.CarrierMessageID != "SM123" || rec.UserID != "usr_a" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.SentAt.Equal(fixedNow) {
		t.Fatalf("sent_at should be submission time, got %v", rec.SentAt)
	}
	if len(c.calls) != 1 || c.calls[0] != (sendCall{"+15551234567", "hi", "+15550000000"}) {
		t.Fatalf("unexpected carrier calls %+v", c.calls)
	}
}

func TestSubmit_InvalidRequestsNeverReachCarrier(t *testing.T) {
	cases := map[string]domain.NewMessage{
		"empty receiver":  {Text: "hi"},
		"only separators": {ReceiverPhoneNumber: "--", Text: "hi"},
		"only parens":     {ReceiverPhoneNumber: "( )", Text: "hi"},
		"empty body":      {ReceiverPhoneNumber: "+15551234567"},
		"1601 chars":      {ReceiverPhoneNumber: "+15551234567", Text: strings.Repeat("a", 1601)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			st := newMemStore()
			c := &fakeCarrier{sid: "SM1"}
			_, err := newService(st, c).Submit(context.Background(), "usr_a", req)

			var ve *domain.ValidationError
			if !errors.As(err, &ve) || len(ve.Details) == 0 {
				t.Fatalf("expected validation error with details, got %v", err)
			}
			if c.callCount() != 0 {
				t.Fatalf("carrier must not be called")
			}
			if st.count() != 0 {
				t.Fatalf("no record should be created")
			}
		})
	}
}

func TestSubmit_ConfigurationErrorOnEveryAttempt(t *testing.T) {
	_, cfgErr := twilio.New(config.CarrierConfig{AccountSID: "AC1"}, nil)
	st := newMemStore()
	svc := newService(st, twilio.Misconfigured(cfgErr))

	// more attempts than the breaker tolerates failures
	for i := 0; i < 15; i++ {
		m, err := svc.Submit(context.Background(), "usr_a", domain.NewMessage{ReceiverPhoneNumber: "+15551234567", Text: "hi"})
		if !domain.IsCarrierKind(err, domain.CarrierConfiguration) {
			t.Fatalf("attempt %d: expected configuration error, got %v", i, err)
		}
		rec, gerr := st.GetMessage(context.Background(), "usr_a", m.ID)
		if gerr != nil || rec.Status != domain.StatusNotSent {
			t.Fatalf("attempt %d: expected not_sent record, got %+v %v", i, rec, gerr)
		}
	}
}

func TestSubmit_SendErrorMarksNotSent(t *testing.T) {
	st := newMemStore()
	c := &fakeCarrier{sendErr: &domain.CarrierError{Kind: domain.CarrierSend, Code: 21211, HTTPStatus: 400, Message: "Invalid phone number format"}}

	m, err := newService(st, c).Submit(context.Background(), "usr_a", domain.NewMessage{ReceiverPhoneNumber: "12", Text: "hi"})
	if !domain.IsCarrierKind(err, domain.CarrierSend) {
		t.Fatalf("expected send error, got %v", err)
	}
	if m.Status != domain.StatusNotSent {
		t.Fatalf("returned message should be not_sent, got %s", m.Status)
	}
	rec := st.only(t)
	if rec.Status != domain.StatusNotSent || rec.CarrierMessageID != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSubmit_TimeoutMarksNotSent(t *testing.T) {
	st := newMemStore()
	svc := newService(st, &fakeCarrier{block: true})
	svc.Timeout = 20 * time.Millisecond

	_, err := svc.Submit(context.Background(), "usr_a", domain.NewMessage{ReceiverPhoneNumber: "+15551234567", Text: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if rec := st.only(t); rec.Status != domain.StatusNotSent {
		t.Fatalf("timed out send must be not_sent, got %s", rec.Status)
	}
}

func TestSubmit_ClientCancellationDoesNotStrandRecord(t *testing.T) {
	st := newMemStore()
	svc := newService(st, &fakeCarrier{sid: "SM9"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := svc.Submit(ctx, "usr_a", domain.NewMessage{ReceiverPhoneNumber: "+15551234567", Text: "hi"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec := st.only(t); rec.Status != domain.StatusSent || rec.ID != m.ID {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSubmit_OpenBreakerFailsFast(t *testing.T) {
	st := newMemStore()
	c := &fakeCarrier{sendErr: &domain.CarrierError{Kind: domain.CarrierSend, Message: "connection refused"}}
	svc := newService(st, c)

	for i := 0; i < 10; i++ {
		_, _ = svc.Submit(context.Background(), "usr_a", domain.NewMessage{ReceiverPhoneNumber: "+15551234567", Text: "hi"})
	}
	if svc.Breaker.State() != gobreaker.StateOpen {
		t.Fatalf("breaker should be open, is %s", svc.Breaker.State())
	}

	m, err := svc.Submit(context.Background(), "usr_a", domain.NewMessage{ReceiverPhoneNumber: "+15551234567", Text: "hi"})
	if !errors.Is(err, gobreaker.ErrOpenState) || !domain.IsCarrierKind(err, domain.CarrierSend) {
		t.Fatalf("expected open-breaker send error, got %v", err)
	}
	if c.callCount() != 10 {
		t.Fatalf("carrier should not be called while open, calls=%d", c.callCount())
	}
	rec, _ := st.GetMessage(context.Background(), "usr_a", m.ID)
	if rec.Status != domain.StatusNotSent {
		t.Fatalf("expected not_sent, got %s", rec.Status)
	}
}

func seedSent(t *testing.T, st *memStore, id, user, sid string, sentAt time.Time) {
	t.Helper()
	_ = st.InsertMessage(context.Background(), domain.Message{
		ID: id, UserID: user, ReceiverNumber: "+15551234567", Text: "hi",
		Status: domain.StatusInProcess, SentAt: sentAt,
	})
	if err := st.MarkSubmitted(context.Background(), store.SubmissionResult{ID: id, Status: domain.StatusSent, CarrierMessageID: sid}); err != nil {
		t.Fatal(err)
	}
}

func TestApplyDeliveryStatus_UnknownCarrierID(t *testing.T) {
	st := newMemStore()
	seedSent(t, st, "msg_1", "usr_a", "SM1", fixedNow)
	before := st.only(t)

	_, err := newService(st, &fakeCarrier{}).ApplyDeliveryStatus(context.Background(),
		domain.DeliveryUpdate{CarrierMessageID: "SMunknown", Status: domain.DeliveryDelivered}, SourceWebhook)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if after := st.only(t); after.DeliveryStatus != before.DeliveryStatus || after.DeliveredAt != nil {
		t.Fatalf("record mutated: %+v", after)
	}

	_, err = newService(st, &fakeCarrier{}).ApplyDeliveryStatus(context.Background(), domain.DeliveryUpdate{Status: "sent"}, SourceWebhook)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty carrier id should be not found, got %v", err)
	}
}

func TestApplyDeliveryStatus_Rules(t *testing.T) {
	st := newMemStore()
	seedSent(t, st, "msg_1", "usr_a", "SM1", fixedNow)
	svc := newService(st, &fakeCarrier{})
	ctx := context.Background()

	m, err := svc.ApplyDeliveryStatus(ctx, domain.DeliveryUpdate{CarrierMessageID: "SM1", Status: "sent"}, SourceWebhook)
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryStatus != "sent" || m.DeliveredAt != nil || m.DeliveryErrorCode != "" {
		t.Fatalf("non-delivered status must not set delivered_at: %+v", m)
	}

	// case-sensitive exact match
	m, _ = svc.ApplyDeliveryStatus(ctx, domain.DeliveryUpdate{CarrierMessageID: "SM1", Status: "Delivered"}, SourceWebhook)
	if m.DeliveredAt != nil {
		t.Fatalf("\"Delivered\" is not \"delivered\"")
	}

	m, _ = svc.ApplyDeliveryStatus(ctx, domain.DeliveryUpdate{CarrierMessageID: "SM1", Status: "delivered"}, SourceWebhook)
	if m.DeliveredAt == nil || !m.DeliveredAt.Equal(fixedNow) {
		t.Fatalf("delivered must set delivered_at, got %+v", m.DeliveredAt)
	}

	// a later non-delivered status leaves delivered_at untouched
	m, _ = svc.ApplyDeliveryStatus(ctx, domain.DeliveryUpdate{CarrierMessageID: "SM1", Status: "sent"}, SourceWebhook)
	if m.DeliveredAt == nil || m.DeliveryStatus != "sent" {
		t.Fatalf("unexpected record %+v", m)
	}

	m, _ = svc.ApplyDeliveryStatus(ctx, domain.DeliveryUpdate{CarrierMessageID: "SM1", Status: "undelivered", ErrorCode: "30003", ErrorMessage: "Unreachable destination handset"}, SourceWebhook)
	if m.DeliveryErrorCode != "30003" || m.DeliveryErrorMessage != "Unreachable destination handset" {
		t.Fatalf("error code and message must be set together: %+v", m)
	}
	if m.Status != domain.StatusSent {
		t.Fatalf("callbacks never touch status, got %s", m.Status)
	}

	// repeated callbacks re-apply the same fields
	again, _ := svc.ApplyDeliveryStatus(ctx, domain.DeliveryUpdate{CarrierMessageID: "SM1", Status: "undelivered", ErrorCode: "30003", ErrorMessage: "Unreachable destination handset"}, SourceWebhook)
	if again.DeliveryStatus != m.DeliveryStatus || again.DeliveryErrorCode != m.DeliveryErrorCode {
		t.Fatalf("repeat callback changed the outcome: %+v", again)
	}
}

func TestApplyDeliveryStatus_PublishesEvents(t *testing.T) {
	st := newMemStore()
	seedSent(t, st, "msg_1", "usr_a", "SM1", fixedNow)
	pub := &recordingPublisher{err: errors.New("sqs down")}
	svc := newService(st, &fakeCarrier{})
	svc.Events = pub

	m, err := svc.ApplyDeliveryStatus(context.Background(), domain.DeliveryUpdate{CarrierMessageID: "SM1", Status: "delivered"}, SourceWebhook)
	if err != nil {
		t.Fatalf("publish failure must not fail the update: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.MessageID != m.ID || ev.DeliveryStatus != "delivered" || ev.Source != SourceWebhook {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestScenario_SubmitThenDelivered(t *testing.T) {
	st := newMemStore()
	svc := newService(st, &fakeCarrier{sid: "SM123"})
	ctx := context.Background()

	m, err := svc.Submit(ctx, "usr_a", domain.NewMessage{ReceiverPhoneNumber: "+15551234567", Text: "hi"})
	if err != nil || m.Status != domain.StatusSent || m.CarrierMessageID != "SM123" {
		t.Fatalf("unexpected submit result %+v %v", m, err)
	}

	if _, err := svc.ApplyDeliveryStatus(ctx, domain.DeliveryUpdate{CarrierMessageID: "SM123", Status: "delivered"}, SourceWebhook); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(ctx, "usr_a", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryStatus != domain.DeliveryDelivered || got.DeliveredAt == nil || got.Status != domain.StatusSent {
		t.Fatalf("unexpected final record %+v", got)
	}
}

func TestList_ScopedAndNewestFirst(t *testing.T) {
	st := newMemStore()
	seedSent(t, st, "msg_1", "usr_a", "SM1", fixedNow)
	seedSent(t, st, "msg_2", "usr_a", "SM2", fixedNow.Add(time.Minute))
	seedSent(t, st, "msg_3", "usr_b", "SM3", fixedNow.Add(2*time.Minute))
	svc := newService(st, &fakeCarrier{})

	list, err := svc.List(context.Background(), "usr_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "msg_2" || list[1].ID != "msg_1" {
		t.Fatalf("unexpected list %+v", list)
	}
	for _, m := range list {
		if m.UserID != "usr_a" {
			t.Fatalf("foreign message leaked: %+v", m)
		}
	}
	if _, err := svc.Get(context.Background(), "usr_a", "msg_3"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for another user's message, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("NoCarrierID", func(t *testing.T) {
		st := newMemStore()
		_ = st.InsertMessage(ctx, domain.Message{ID: "msg_1", UserID: "usr_a", Status: domain.StatusInProcess})
		_ = st.MarkSubmitted(ctx, store.SubmissionResult{ID: "msg_1", Status: domain.StatusNotSent})
		_, err := newService(st, &fakeCarrier{}).Refresh(ctx, "usr_a", "msg_1")
		if !errors.Is(err, domain.ErrNoCarrierID) {
			t.Fatalf("expected ErrNoCarrierID, got %v", err)
		}
	})

	t.Run("AppliesCarrierState", func(t *testing.T) {
		st := newMemStore()
		seedSent(t, st, "msg_1", "usr_a", "SM1", fixedNow)
		c := &fakeCarrier{update: domain.DeliveryUpdate{Status: "failed", ErrorCode: "30008", ErrorMessage: "Unknown error"}}
		m, err := newService(st, c).Refresh(ctx, "usr_a", "msg_1")
		if err != nil {
			t.Fatal(err)
		}
		if m.DeliveryStatus != "failed" || m.DeliveryErrorCode != "30008" || m.DeliveryErrorMessage != "Unknown error" {
			t.Fatalf("unexpected record %+v", m)
		}
	})

	t.Run("OtherUser", func(t *testing.T) {
		st := newMemStore()
		seedSent(t, st, "msg_1", "usr_a", "SM1", fixedNow)
		_, err := newService(st, &fakeCarrier{}).Refresh(ctx, "usr_b", "msg_1")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("CarrierError", func(t *testing.T) {
		st := newMemStore()
		seedSent(t, st, "msg_1", "usr_a", "SM1", fixedNow)
		c := &fakeCarrier{fetchErr: &domain.CarrierError{Kind: domain.CarrierSend, Code: 20404, Message: "not found"}}
		_, err := newService(st, c).Refresh(ctx, "usr_a", "msg_1")
		if !domain.IsCarrierKind(err, domain.CarrierSend) {
			t.Fatalf("expected carrier send error, got %v", err)
		}
	})
}
