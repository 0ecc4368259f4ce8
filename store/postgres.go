package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

const attemptColumns = `id, recipient_email, email_content, status, tracking_token,
	       sent_at, clicked_at, created_by, created_at, updated_at`

// Postgres implements AttemptStore against PostgreSQL via lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// EnsureSchema creates the attempts table when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS phishing_attempts (
			id              TEXT PRIMARY KEY,
			recipient_email TEXT NOT NULL,
			email_content   TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'PENDING',
			tracking_token  TEXT NOT NULL,
			sent_at         TIMESTAMPTZ,
			clicked_at      TIMESTAMPTZ,
			created_by      TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_token ON phishing_attempts(tracking_token);
		CREATE INDEX IF NOT EXISTS idx_attempts_owner ON phishing_attempts(created_by, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensure attempt schema: %w", err)
	}
	slog.Info("attempt store schema ready")
	return nil
}

func (p *Postgres) Create(ctx context.Context, a *models.Attempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO phishing_attempts
			(id, recipient_email, email_content, status, tracking_token,
			 sent_at, clicked_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.RecipientEmail, a.EmailContent, string(a.Status), a.TrackingToken,
		nullTime(a.SentAt), nullTime(a.ClickedAt), a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (p *Postgres) FindByID(ctx context.Context, id string) (*models.Attempt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM phishing_attempts
		WHERE id = $1
	`, id)
	return scanAttempt(row)
}

func (p *Postgres) FindByToken(ctx context.Context, token string) (*models.Attempt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM phishing_attempts
		WHERE tracking_token = $1
	`, token)
	return scanAttempt(row)
}

// Update writes the mutable fields. The WHERE clause refuses to overwrite a
// terminal status with a different one, so concurrent writers cannot move
// an attempt backward.
func (p *Postgres) Update(ctx context.Context, a *models.Attempt) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE phishing_attempts
		SET status = $2, sent_at = $3, clicked_at = $4, tracking_token = $5, updated_at = $6
		WHERE id = $1 AND (status = $2 OR status NOT IN ('CLICKED', 'FAILED'))
	`, a.ID, string(a.Status), nullTime(a.SentAt), nullTime(a.ClickedAt), a.TrackingToken, a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM phishing_attempts WHERE id = $1`, a.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	return ErrStaleStatus
}

func (p *Postgres) List(ctx context.Context, f ListFilter) ([]*models.Attempt, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM phishing_attempts WHERE ($1::text = '' OR created_by = $1)
	`, f.CreatedBy).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM phishing_attempts
		WHERE ($1::text = '' OR created_by = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, f.CreatedBy, limit, max(f.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*models.Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, err
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	return attempts, total, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM phishing_attempts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Stats(ctx context.Context, createdBy string) (models.Stats, error) {
	var s models.Stats
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM phishing_attempts
		WHERE ($1::text = '' OR created_by = $1)
		GROUP BY status
	`, createdBy)
	if err != nil {
		return s, fmt.Errorf("attempt stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, fmt.Errorf("attempt stats: %w", err)
		}
		s.Add(models.Status(status), n)
	}
	return s, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*models.Attempt, error) {
	var (
		a                 models.Attempt
		status            string
		sentAt, clickedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.RecipientEmail, &a.EmailContent, &status, &a.TrackingToken,
		&sentAt, &clickedAt, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	a.Status = models.Status(status)
	if sentAt.Valid {
		t := sentAt.Time
		a.SentAt = &t
	}
	if clickedAt.Valid {
		t := clickedAt.Time
		a.ClickedAt = &t
	}
	return &a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
