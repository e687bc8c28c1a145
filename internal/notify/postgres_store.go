package notify

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/pagination"
)

// PostgresStore implements Store on the notifications table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const notificationColumns = `id, owner_id, type, title, message, related_escrow_id, read, created_at`

func (p *PostgresStore) Insert(ctx context.Context, n *Notification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.OwnerID, n.Type, n.Title, n.Message,
		dbtx.NullString(n.RelatedEscrowID), n.Read, n.CreatedAt,
	)
	if dbtx.PQCode(err) == dbtx.CodeUniqueViolation {
		return fmt.Errorf("%w: notification %s exists", apperr.ErrConstraintViolation, n.ID)
	}
	return err
}

func (p *PostgresStore) List(ctx context.Context, ownerID string, unreadOnly bool, cursor *pagination.Cursor, limit int) ([]*Notification, error) {
	var (
		before sql.NullTime
		lastID sql.NullString
	)
	if cursor != nil {
		before = sql.NullTime{Time: cursor.CreatedAt, Valid: true}
		lastID = sql.NullString{String: cursor.ID, Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE owner_id = $1
		  AND (NOT $2 OR NOT read)
		  AND ($3::timestamptz IS NULL OR (created_at, id::text) < ($3, $4::text))
		ORDER BY created_at DESC, id::text DESC
		LIMIT $5`, ownerID, unreadOnly, before, lastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		var (
			n        Notification
			escrowID sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Type, &n.Title, &n.Message, &escrowID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.RelatedEscrowID = escrowID.String
		result = append(result, &n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, ownerID, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) UnreadCount(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE owner_id = $1 AND NOT read`, ownerID).Scan(&count)
	return count, err
}

var _ Store = (*PostgresStore)(nil)
