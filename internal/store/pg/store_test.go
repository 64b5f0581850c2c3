package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messenger/internal/domain"
	"messenger/internal/store"
)

var columns = []string{
	"id", "user_id", "sender_phone_number", "receiver_phone_number", "text", "status",
	"carrier_message_id", "delivery_status", "delivery_error_code", "delivery_error_message",
	"delivered_at", "sent_at", "created_at", "updated_at",
}

func addMessageRow(rows *pgxmock.Rows, m domain.Message) *pgxmock.Rows {
	delivered := pgtype.Timestamptz{}
	if m.DeliveredAt != nil {
		delivered = pgtype.Timestamptz{Time: *m.DeliveredAt, Valid: true}
	}
	return rows.AddRow(m.ID, m.UserID, m.SenderNumber, m.ReceiverNumber, m.Text, string(m.Status),
		m.CarrierMessageID, string(m.DeliveryStatus), m.DeliveryErrorCode, m.DeliveryErrorMessage,
		delivered, m.SentAt, m.CreatedAt, m.UpdatedAt)
}

func sample(id string, sentAt time.Time) domain.Message {
	return domain.Message{
		ID:             id,
		UserID:         "usr_a",
		SenderNumber:   "+15550000000",
		ReceiverNumber: "+15551234567",
		Text:           "hi",
		Status:         domain.StatusInProcess,
		SentAt:         sentAt,
		CreatedAt:      sentAt,
		UpdatedAt:      sentAt,
	}
}

func TestStore_InsertMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := New(mock)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := sample("msg_1", now)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs("msg_1", "usr_a", "+15550000000", "+15551234567", "hi", "in_process", now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertMessage(context.Background(), m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkSubmitted(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	update := regexp.QuoteMeta("UPDATE messages SET status=$2, carrier_message_id=$3")

	t.Run("Sent", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(update).
			WithArgs("msg_1", "sent", "SM123", now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = New(mock).MarkSubmitted(context.Background(), store.SubmissionResult{
			ID: "msg_1", Status: domain.StatusSent, CarrierMessageID: "SM123", Now: now,
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotSentLeavesCarrierIDNull", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(update).
			WithArgs("msg_1", "not_sent", nil, now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = New(mock).MarkSubmitted(context.Background(), store.SubmissionResult{
			ID: "msg_1", Status: domain.StatusNotSent, Now: now,
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicateCarrierID", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(update).
			WithArgs("msg_2", "sent", "SM123", now).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		err = New(mock).MarkSubmitted(context.Background(), store.SubmissionResult{
			ID: "msg_2", Status: domain.StatusSent, CarrierMessageID: "SM123", Now: now,
		})
		assert.ErrorIs(t, err, domain.ErrDuplicateCarrierID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("AlreadyTerminal", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(update).
			WithArgs("msg_1", "not_sent", nil, now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = New(mock).MarkSubmitted(context.Background(), store.SubmissionResult{
			ID: "msg_1", Status: domain.StatusNotSent, Now: now,
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStore_ListMessages(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	newer := sample("msg_2", t2)
	newer.Status = domain.StatusSent
	newer.CarrierMessageID = "SM2"
	newer.DeliveryStatus = domain.DeliveryDelivered
	newer.DeliveredAt = &t2
	older := sample("msg_1", t1)
	older.Status = domain.StatusNotSent

	rows := mock.NewRows(columns)
	addMessageRow(rows, newer)
	addMessageRow(rows, older)
	mock.ExpectQuery(`FROM messages WHERE user_id=\$1\s+ORDER BY sent_at DESC`).
		WithArgs("usr_a").
		WillReturnRows(rows)

	got, err := New(mock).ListMessages(context.Background(), "usr_a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "msg_2", got[0].ID)
	assert.Equal(t, domain.StatusSent, got[0].Status)
	assert.Equal(t, "SM2", got[0].CarrierMessageID)
	require.NotNil(t, got[0].DeliveredAt)
	assert.True(t, got[0].DeliveredAt.Equal(t2))
	assert.Equal(t, "msg_1", got[1].ID)
	assert.Nil(t, got[1].DeliveredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetMessage_ScopedToOwner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM messages WHERE id=\$1 AND user_id=\$2`).
		WithArgs("msg_1", "usr_b").
		WillReturnError(pgx.ErrNoRows)

	_, err = New(mock).GetMessage(context.Background(), "usr_b", "msg_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ApplyDelivery(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	update := regexp.QuoteMeta("UPDATE messages SET")

	t.Run("Delivered", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		m := sample("msg_1", now.Add(-time.Minute))
		m.Status = domain.StatusSent
		m.CarrierMessageID = "SM123"
		m.DeliveryStatus = domain.DeliveryDelivered
		m.DeliveredAt = &now

		mock.ExpectQuery(update).
			WithArgs("SM123", "delivered", nil, "", now, now).
			WillReturnRows(addMessageRow(mock.NewRows(columns), m))

		got, err := New(mock).ApplyDelivery(context.Background(), store.DeliveryApply{
			CarrierMessageID: "SM123",
			DeliveryStatus:   domain.DeliveryDelivered,
			DeliveredAt:      &now,
			Now:              now,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.DeliveryDelivered, got.DeliveryStatus)
		assert.Equal(t, domain.StatusSent, got.Status)
		require.NotNil(t, got.DeliveredAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ErrorCodeCarriesMessage", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		m := sample("msg_1", now.Add(-time.Minute))
		m.Status = domain.StatusSent
		m.CarrierMessageID = "SM123"
		m.DeliveryStatus = domain.DeliveryUndelivered
		m.DeliveryErrorCode = "30003"
		m.DeliveryErrorMessage = "Unreachable destination handset"

		mock.ExpectQuery(update).
			WithArgs("SM123", "undelivered", "30003", "Unreachable destination handset", nil, now).
			WillReturnRows(addMessageRow(mock.NewRows(columns), m))

		got, err := New(mock).ApplyDelivery(context.Background(), store.DeliveryApply{
			CarrierMessageID: "SM123",
			DeliveryStatus:   domain.DeliveryUndelivered,
			ErrorCode:        "30003",
			ErrorMessage:     "Unreachable destination handset",
			Now:              now,
		})
		require.NoError(t, err)
		assert.Equal(t, "30003", got.DeliveryErrorCode)
		assert.Equal(t, "Unreachable destination handset", got.DeliveryErrorMessage)
		assert.Nil(t, got.DeliveredAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("UnknownCarrierID", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(update).
			WithArgs("SMnope", "sent", nil, "", nil, now).
			WillReturnError(pgx.ErrNoRows)

		_, err = New(mock).ApplyDelivery(context.Background(), store.DeliveryApply{
			CarrierMessageID: "SMnope",
			DeliveryStatus:   domain.DeliverySent,
			Now:              now,
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Users(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("DuplicateEmail", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
			WithArgs("usr_1", "a@example.com", "hash", now).
			WillReturnError(&pgconn.PgError{Code: "23505"})

		err = New(mock).CreateUser(context.Background(), store.User{ID: "usr_1", Email: "a@example.com", PasswordHash: "hash", CreatedAt: now})
		assert.True(t, errors.Is(err, domain.ErrEmailTaken))
	})

	t.Run("GetByEmail", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`FROM users WHERE email=\$1`).
			WithArgs("a@example.com").
			WillReturnRows(mock.NewRows([]string{"id", "email", "password_hash", "created_at"}).
				AddRow("usr_1", "a@example.com", "hash", now))

		u, err := New(mock).GetUserByEmail(context.Background(), "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, "usr_1", u.ID)
		assert.Equal(t, "hash", u.PasswordHash)
	})

	t.Run("Missing", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery(`FROM users WHERE email=\$1`).
			WithArgs("b@example.com").
			WillReturnError(pgx.ErrNoRows)

		_, err = New(mock).GetUserByEmail(context.Background(), "b@example.com")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestStore_Denylist(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	s := New(mock)

	exp := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jwt_denylist")).
		WithArgs("jti-1", exp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("jti-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, s.Revoke(context.Background(), "jti-1", exp))
	revoked, err := s.IsRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}
