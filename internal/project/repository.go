package project

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/aivideostudio/studio-gateway/internal/db"
)

// Repository persists projects. Get and Update return (nil, nil) when the id
// does not exist.
type Repository interface {
	ListByUser(ctx context.Context, userID string) ([]*Project, error)
	Get(ctx context.Context, id string) (*Project, error)
	Create(ctx context.Context, p *Project) error
	Update(ctx context.Context, id string, patch Patch, now time.Time) (*Project, error)
	Delete(ctx context.Context, id string) error
	// FailStale moves processing projects last updated before cutoff to
	// failed and returns them as updated.
	FailStale(ctx context.Context, cutoff, now time.Time) ([]*Project, error)
	Ping(ctx context.Context) error
}

const projectColumns = "id, user_id, title, description, status, video_url, created_at, updated_at"

// SQLRepository stores projects in SQLite or PostgreSQL.
type SQLRepository struct {
	db      *sql.DB
	dialect string
}

func NewRepository(conn *sql.DB, dialect string) *SQLRepository {
	return &SQLRepository{db: conn, dialect: dialect}
}

func (r *SQLRepository) q(query string) string {
	return db.Rebind(r.dialect, query)
}

func (r *SQLRepository) ts(t time.Time) any {
	return db.TimeValue(r.dialect, t)
}

func (r *SQLRepository) ListByUser(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT `+projectColumns+`
		FROM projects WHERE user_id = ? ORDER BY created_at DESC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]*Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*Project, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (r *SQLRepository) Create(ctx context.Context, p *Project) error {
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.UserID, p.Title, p.Description, string(p.Status), nullString(p.VideoURL),
		r.ts(p.CreatedAt), r.ts(p.UpdatedAt))
	return err
}

// Update applies patch in a single statement and returns the stored row.
func (r *SQLRepository) Update(ctx context.Context, id string, patch Patch, now time.Time) (*Project, error) {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)

	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.VideoURL != nil {
		sets = append(sets, "video_url = ?")
		args = append(args, nullString(*patch.VideoURL))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, r.ts(now), id)

	row := r.db.QueryRowContext(ctx, r.q(`
		UPDATE projects SET `+strings.Join(sets, ", ")+`
		WHERE id = ?
		RETURNING `+projectColumns), args...)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.q("DELETE FROM projects WHERE id = ?"), id)
	return err
}

func (r *SQLRepository) FailStale(ctx context.Context, cutoff, now time.Time) ([]*Project, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		UPDATE projects SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
		RETURNING `+projectColumns+`
	`), string(StatusFailed), r.ts(now), string(StatusProcessing), r.ts(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failed := make([]*Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		failed = append(failed, p)
	}
	return failed, rows.Err()
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var status string
	var videoURL sql.NullString
	var createdAt, updatedAt db.Timestamp

	if err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &status, &videoURL, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.VideoURL = videoURL.String
	p.CreatedAt = createdAt.Time
	p.UpdatedAt = updatedAt.Time
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
