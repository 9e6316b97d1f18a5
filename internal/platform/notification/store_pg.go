package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notificationColumns = `id, type, recipient, subject, body, template_id, template_data, status, created_at, sent_at, error`

// PGStore persists notifications in PostgreSQL so the delivery history
// survives restarts.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Save(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n.TemplateData)
	if err != nil {
		return fmt.Errorf("marshal template data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, type, recipient, subject, body, template_id, template_data, status, created_at, sent_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, sent_at = EXCLUDED.sent_at, error = EXCLUDED.error`,
		n.ID, string(n.Type), n.Recipient, n.Subject, n.Body, n.TemplateID, data, n.Status, n.CreatedAt, n.SentAt, n.Error,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, n *Notification) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = $2, sent_at = $3, error = $4 WHERE id = $1`,
		n.ID, n.Status, n.SentAt, n.Error,
	)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, n.ID)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Notification, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListByRecipient(ctx context.Context, recipient string, limit int) ([]*Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE recipient = $1 ORDER BY created_at DESC LIMIT $2`,
		recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *PGStore) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM notifications GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("notification stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var typ string
	var data []byte
	var sentAt *time.Time

	err := row.Scan(&n.ID, &typ, &n.Recipient, &n.Subject, &n.Body, &n.TemplateID, &data, &n.Status, &n.CreatedAt, &sentAt, &n.Error)
	if err != nil {
		return nil, err
	}

	n.Type = Type(typ)
	n.SentAt = sentAt
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.TemplateData); err != nil {
			return nil, fmt.Errorf("unmarshal template data: %w", err)
		}
	}
	return &n, nil
}
