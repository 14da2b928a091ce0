package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver

	"github.com/turetske/etpelican/internal/registry/models"
	"github.com/turetske/etpelican/pkg/platform/sentinel"
)

// Postgres persists registrations in PostgreSQL. Per-record exclusion comes
// from row locks: Update and Delete run their callbacks inside a transaction
// holding SELECT ... FOR UPDATE on the record, so concurrent mutations of the
// same id serialize and each sees the previous committed state. The
// transaction commits or rolls back as a unit, which is what makes caller
// cancellation safe: the record is never observable mid-mutation.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS registrations (
	id           UUID PRIMARY KEY,
	prefix       TEXT NOT NULL,
	server_type  TEXT NOT NULL,
	state        TEXT NOT NULL,
	created_by   TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	site_name    TEXT NOT NULL DEFAULT '',
	approved_by  TEXT NOT NULL DEFAULT '',
	denied_by    TEXT NOT NULL DEFAULT '',
	moderated_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS registrations_prefix_key ON registrations (lower(prefix));
CREATE INDEX IF NOT EXISTS registrations_state_idx ON registrations (state);
`

// EnsureSchema creates the registrations table if it does not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure registrations schema: %w", err)
	}
	return nil
}

const registrationColumns = `id, prefix, server_type, state, created_by, description, site_name, approved_by, denied_by, moderated_at, created_at, updated_at`

func (s *Postgres) Create(ctx context.Context, r *models.Registration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (`+registrationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Prefix, r.Type, r.State,
		r.AdminMetadata.CreatedBy, r.AdminMetadata.Description, r.AdminMetadata.SiteName,
		r.AdminMetadata.ApprovedBy, r.AdminMetadata.DeniedBy, r.AdminMetadata.ModeratedAt,
		r.AdminMetadata.CreatedAt, r.AdminMetadata.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create registration: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id)
	r, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find registration: %w", err)
	}
	return r, nil
}

func (s *Postgres) List(ctx context.Context, filter Filter) ([]*models.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations`
	args := []any{}
	if filter.State != nil {
		query += ` WHERE state = $1`
		args = append(args, *filter.State)
	}
	query += ` ORDER BY created_at, prefix`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var out []*models.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return out, nil
}

func (s *Postgres) Update(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error, mutate func(*models.Registration)) (*models.Registration, error) {
	var updated *models.Registration
	err := s.withRecordLock(ctx, id, func(tx *sql.Tx, r *models.Registration) error {
		if err := validate(r); err != nil {
			return err
		}
		mutate(r)
		_, err := tx.ExecContext(ctx, `
			UPDATE registrations
			SET state = $2, approved_by = $3, denied_by = $4, moderated_at = $5, updated_at = $6
			WHERE id = $1`,
			r.ID, r.State,
			r.AdminMetadata.ApprovedBy, r.AdminMetadata.DeniedBy,
			r.AdminMetadata.ModeratedAt, r.AdminMetadata.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update registration: %w", err)
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Postgres) Delete(ctx context.Context, id uuid.UUID, validate func(*models.Registration) error) error {
	return s.withRecordLock(ctx, id, func(tx *sql.Tx, r *models.Registration) error {
		if err := validate(r); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM registrations WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete registration: %w", err)
		}
		return nil
	})
}

// withRecordLock runs fn inside a transaction holding a row lock on the
// record. Any error rolls back; validate errors pass through unwrapped so
// the service can inspect their codes.
func (s *Postgres) withRecordLock(ctx context.Context, id uuid.UUID, fn func(*sql.Tx, *models.Registration) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+registrationColumns+` FROM registrations WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRegistration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("lock registration: %w", err)
	}

	if err := fn(tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*models.Registration, error) {
	var r models.Registration
	var moderatedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Prefix, &r.Type, &r.State,
		&r.AdminMetadata.CreatedBy, &r.AdminMetadata.Description, &r.AdminMetadata.SiteName,
		&r.AdminMetadata.ApprovedBy, &r.AdminMetadata.DeniedBy,
		&moderatedAt, &r.AdminMetadata.CreatedAt, &r.AdminMetadata.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if moderatedAt.Valid {
		t := moderatedAt.Time.UTC()
		r.AdminMetadata.ModeratedAt = &t
	}
	r.AdminMetadata.CreatedAt = r.AdminMetadata.CreatedAt.UTC()
	r.AdminMetadata.UpdatedAt = r.AdminMetadata.UpdatedAt.UTC()
	return &r, nil
}

// Open connects to PostgreSQL via the pgx stdlib driver and verifies the
// connection. Returns nil if url is empty (database not configured).
func Open(ctx context.Context, url string) (*sql.DB, error) {
	if url == "" {
		return nil, nil
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
