package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/pagination"
)

// PostgresStore implements Store on the transactions and
// transaction_events tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, client_id, vendor_id, vendor_email, title, description, amount, platform_fee,
		status, due_date, funded_at, started_at, submitted_at, completed_at, disputed_at,
		dispute_reason, resolution_note, created_at, updated_at`

const eventColumns = `id, escrow_id, actor_id, event_type, from_status, to_status, description, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	var (
		e                                  Escrow
		vendorID, description              sql.NullString
		disputeReason, resolutionNote      sql.NullString
		dueDate, fundedAt, startedAt       sql.NullTime
		submittedAt, completedAt, disputed sql.NullTime
	)
	err := row.Scan(&e.ID, &e.ClientID, &vendorID, &e.VendorEmail, &e.Title, &description, &e.Amount, &e.PlatformFee,
		&e.Status, &dueDate, &fundedAt, &startedAt, &submittedAt, &completedAt, &disputed,
		&disputeReason, &resolutionNote, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.VendorID = vendorID.String
	e.Description = description.String
	e.DisputeReason = disputeReason.String
	e.ResolutionNote = resolutionNote.String
	e.DueDate = dbtx.TimePtr(dueDate)
	e.FundedAt = dbtx.TimePtr(fundedAt)
	e.StartedAt = dbtx.TimePtr(startedAt)
	e.SubmittedAt = dbtx.TimePtr(submittedAt)
	e.CompletedAt = dbtx.TimePtr(completedAt)
	e.DisputedAt = dbtx.TimePtr(disputed)
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	defer rows.Close()
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO transactions (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, e.ClientID, dbtx.NullString(e.VendorID), e.VendorEmail, e.Title, dbtx.NullString(e.Description),
		e.Amount, e.PlatformFee, string(e.Status),
		dbtx.NullTime(e.DueDate), dbtx.NullTime(e.FundedAt), dbtx.NullTime(e.StartedAt),
		dbtx.NullTime(e.SubmittedAt), dbtx.NullTime(e.CompletedAt), dbtx.NullTime(e.DisputedAt),
		dbtx.NullString(e.DisputeReason), dbtx.NullString(e.ResolutionNote), e.CreatedAt, e.UpdatedAt,
	)
	if dbtx.PQCode(err) == dbtx.CodeUniqueViolation {
		return fmt.Errorf("%w: escrow %s exists", apperr.ErrConstraintViolation, e.ID)
	}
	if err != nil {
		return fmt.Errorf("insert escrow: %w", dbtx.MapError(err))
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return p.get(ctx, `SELECT `+escrowColumns+` FROM transactions WHERE id = $1`, id)
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*Escrow, error) {
	return p.get(ctx, `SELECT `+escrowColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
}

func (p *PostgresStore) get(ctx context.Context, query, id string) (*Escrow, error) {
	e, err := scanEscrow(dbtx.Conn(ctx, p.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, dbtx.MapError(err)
	}
	return e, nil
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE transactions SET
			vendor_id = $2, status = $3, funded_at = $4, started_at = $5, submitted_at = $6,
			completed_at = $7, disputed_at = $8, dispute_reason = $9, resolution_note = $10,
			updated_at = $11
		WHERE id = $1`,
		e.ID, dbtx.NullString(e.VendorID), string(e.Status),
		dbtx.NullTime(e.FundedAt), dbtx.NullTime(e.StartedAt), dbtx.NullTime(e.SubmittedAt),
		dbtx.NullTime(e.CompletedAt), dbtx.NullTime(e.DisputedAt),
		dbtx.NullString(e.DisputeReason), dbtx.NullString(e.ResolutionNote), e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", dbtx.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(e.ID)
	}
	return nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, ev *Event) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO transaction_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.EscrowID, dbtx.NullString(ev.ActorID), ev.EventType,
		dbtx.NullString(string(ev.FromStatus)), string(ev.ToStatus), dbtx.NullString(ev.Description), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow event: %w", dbtx.MapError(err))
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, escrowID string) ([]*Event, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+eventColumns+` FROM transaction_events
		WHERE escrow_id = $1
		ORDER BY created_at ASC, id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		var (
			ev                         Event
			actorID, from, description sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &actorID, &ev.EventType, &from, &ev.ToStatus, &description, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ActorID = actorID.String
		ev.FromStatus = Status(from.String)
		ev.Description = description.String
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// keyset returns the cursor bounds as nullable parameters.
func keyset(cursor *pagination.Cursor) (sql.NullTime, sql.NullString) {
	if cursor == nil {
		return sql.NullTime{}, sql.NullString{}
	}
	return sql.NullTime{Time: cursor.CreatedAt, Valid: true}, sql.NullString{String: cursor.ID, Valid: true}
}

func (p *PostgresStore) ListForParty(ctx context.Context, ownerID, email string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	before, lastID := keyset(cursor)
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM transactions
		WHERE (client_id = $1 OR vendor_id = $1
		       OR (vendor_id IS NULL AND $2 <> '' AND lower(vendor_email) = lower($2)))
		  AND ($3::timestamptz IS NULL OR (created_at, id::text) < ($3, $4::text))
		ORDER BY created_at DESC, id::text DESC
		LIMIT $5`, ownerID, email, before, lastID, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	before, lastID := keyset(cursor)
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM transactions
		WHERE ($1 = '' OR status = $1)
		  AND ($2::timestamptz IS NULL OR (created_at, id::text) < ($2, $3::text))
		ORDER BY created_at DESC, id::text DESC
		LIMIT $4`, string(status), before, lastID, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM transactions
		WHERE status IN ('funded', 'in_progress')
		  AND due_date < $1
		ORDER BY due_date ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

var _ Store = (*PostgresStore)(nil)
