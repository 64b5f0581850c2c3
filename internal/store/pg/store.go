package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"messenger/internal/domain"
	"messenger/internal/store"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	DB DB
}

func New(db DB) *Store { return &Store{DB: db} }

const messageColumns = `id, user_id, sender_phone_number, receiver_phone_number, text, status,
	COALESCE(carrier_message_id,''), COALESCE(delivery_status,''),
	COALESCE(delivery_error_code,''), COALESCE(delivery_error_message,''),
	delivered_at, sent_at, created_at, updated_at`

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO messages (id, user_id, sender_phone_number, receiver_phone_number, text, status, sent_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
	`, m.ID, m.UserID, m.SenderNumber, m.ReceiverNumber, m.Text, string(m.Status), m.SentAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MarkSubmitted moves a message out of in_process. A message that already
// left in_process is never rewritten.
func (s *Store) MarkSubmitted(ctx context.Context, in store.SubmissionResult) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET status=$2, carrier_message_id=$3, updated_at=$4
		WHERE id=$1 AND status='in_process'
	`, in.ID, string(in.Status), nullIfEmpty(in.CarrierMessageID), in.Now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("mark submitted %s: %w", in.ID, domain.ErrDuplicateCarrierID)
		}
		return fmt.Errorf("mark submitted %s: %w", in.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark submitted %s: %w", in.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, userID string) ([]domain.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE user_id=$1
		ORDER BY sent_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// GetMessage is scoped to the owner: another user's message is not found.
func (s *Store) GetMessage(ctx context.Context, userID, id string) (domain.Message, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE id=$1 AND user_id=$2
	`, id, userID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, domain.ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ApplyDelivery updates the delivery fields of the message with the given
// carrier id in one statement and returns the updated record.
func (s *Store) ApplyDelivery(ctx context.Context, in store.DeliveryApply) (domain.Message, error) {
	var deliveredAt any
	if in.DeliveredAt != nil {
		deliveredAt = *in.DeliveredAt
	}
	row := s.DB.QueryRow(ctx, `
		UPDATE messages SET
			delivery_status = $2,
			delivery_error_code = COALESCE($3::text, delivery_error_code),
			delivery_error_message = CASE WHEN $3::text IS NULL THEN delivery_error_message ELSE $4::text END,
			delivered_at = COALESCE($5::timestamptz, delivered_at),
			updated_at = $6
		WHERE carrier_message_id = $1
		RETURNING `+messageColumns,
		in.CarrierMessageID, string(in.DeliveryStatus), nullIfEmpty(in.ErrorCode), in.ErrorMessage, deliveredAt, in.Now)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, domain.ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("apply delivery %s: %w", in.CarrierMessageID, err)
	}
	return m, nil
}

func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
	`, u.ID, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEmailTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	var u store.User
	err := s.DB.QueryRow(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE email=$1
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.User{}, domain.ErrNotFound
		}
		return store.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Revoke adds a token id to the denylist until it would have expired anyway.
func (s *Store) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO jwt_denylist (jti, expires_at) VALUES ($1,$2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM jwt_denylist WHERE jti=$1 AND expires_at > now())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check denylist: %w", err)
	}
	return revoked, nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m           domain.Message
		status      string
		delivery    string
		deliveredAt pgtype.Timestamptz
	)
	err := row.Scan(&m.ID, &m.UserID, &m.SenderNumber, &m.ReceiverNumber, &m.Text, &status,
		&m.CarrierMessageID, &delivery, &m.DeliveryErrorCode, &m.DeliveryErrorMessage,
		&deliveredAt, &m.SentAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	m.Status = domain.Status(status)
	m.DeliveryStatus = domain.DeliveryStatus(delivery)
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		m.DeliveredAt = &t
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
