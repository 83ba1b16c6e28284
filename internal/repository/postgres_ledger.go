package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"storagequota/internal/domain"
)

// PostgresLedger keeps user documents in the users table. The quota lives
// inside the JSONB document column; revision is rotated on every write.
type PostgresLedger struct {
	db *sqlx.DB
}

var _ LedgerStore = (*PostgresLedger)(nil)

func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

type userRow struct {
	ID       string `db:"id"`
	UserID   string `db:"user_id"`
	Document []byte `db:"document"`
	Revision string `db:"revision"`
}

func (r *PostgresLedger) FindUserByID(ctx context.Context, userID string) (*domain.UserRecord, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, user_id FROM users WHERE user_id = $1`,
		userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	return &domain.UserRecord{UserID: row.UserID, RecordID: row.ID}, nil
}

func (r *PostgresLedger) GetDocument(ctx context.Context, recordID string) (*domain.Document, domain.Revision, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, user_id, document, revision FROM users WHERE id = $1`,
		recordID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrUserNotFound
		}
		return nil, "", fmt.Errorf("failed to get document: %w", err)
	}

	body, err := decodeBody(row.Document)
	if err != nil {
		return nil, "", err
	}
	return &domain.Document{RecordID: row.ID, Body: body}, domain.Revision(row.Revision), nil
}

func (r *PostgresLedger) PutDocument(ctx context.Context, doc *domain.Document, expected domain.Revision) (domain.Revision, error) {
	data, err := encodeBody(doc.Body)
	if err != nil {
		return "", err
	}

	next := uuid.NewString()
	query := `
        UPDATE users
        SET document = $1::jsonb,
            revision = $2,
            updated_at = CURRENT_TIMESTAMP
        WHERE id = $3 AND revision = $4`

	result, err := r.db.ExecContext(ctx, query, string(data), next, doc.RecordID, string(expected))
	if err != nil {
		return "", fmt.Errorf("failed to put document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		var exists bool
		err = r.db.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`,
			doc.RecordID)
		if err != nil {
			return "", fmt.Errorf("failed to check document existence: %w", err)
		}
		if !exists {
			return "", ErrUserNotFound
		}
		return "", ErrRevisionConflict
	}

	return domain.Revision(next), nil
}

func (r *PostgresLedger) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM users ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return ids, nil
}

// CreateUser inserts a user document. Production users are created by the
// identity service; this exists for seeding and tests.
func (r *PostgresLedger) CreateUser(ctx context.Context, userID string, body map[string]interface{}) (*domain.UserRecord, error) {
	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	record := &domain.UserRecord{UserID: userID, RecordID: uuid.NewString()}
	query := `
        INSERT INTO users (id, user_id, document, revision)
        VALUES ($1, $2, $3::jsonb, $4)`

	if _, err := r.db.ExecContext(ctx, query, record.RecordID, userID, string(data), uuid.NewString()); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return record, nil
}
