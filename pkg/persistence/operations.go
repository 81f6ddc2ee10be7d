package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"autocoder/pkg/diagnose"
	"autocoder/pkg/project"
)

// ProjectFilter narrows ListProjects.
type ProjectFilter struct {
	ActiveOnly bool   // exclude completed, failed and cancelled
	UserID     string // empty matches every user
}

const projectColumns = `id, name, description, user_id, status, mode, phase, total_phases,
	current_iteration, max_iterations, local_path, mvp_plan, keywords, required_secrets,
	error, resume_status, created_at, updated_at, completed_at`

// SaveProject writes p and its error analyses, feedback and transition
// history in one transaction.
func (s *Store) SaveProject(ctx context.Context, p *project.PluginProject) error {
	keywords, err := json.Marshal(nonNil(p.Keywords))
	if err != nil {
		return fmt.Errorf("failed to encode keywords: %w", err)
	}
	secrets, err := json.Marshal(nonNil(p.RequiredSecrets))
	if err != nil {
		return fmt.Errorf("failed to encode required secrets: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			mode = excluded.mode,
			phase = excluded.phase,
			total_phases = excluded.total_phases,
			current_iteration = excluded.current_iteration,
			max_iterations = excluded.max_iterations,
			local_path = excluded.local_path,
			mvp_plan = excluded.mvp_plan,
			keywords = excluded.keywords,
			required_secrets = excluded.required_secrets,
			error = excluded.error,
			resume_status = excluded.resume_status,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		p.ID, p.Name, p.Description, p.UserID, string(p.Status), p.Mode, p.Phase, p.TotalPhases,
		p.CurrentIteration, p.MaxIterations, p.LocalPath, p.MVPPlan, string(keywords), string(secrets),
		p.Error, string(p.ResumeStatus), formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatTimePtr(p.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", p.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM error_analyses WHERE project_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear error analyses for %s: %w", p.ID, err)
	}
	for key, ea := range p.ErrorAnalysis {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO error_analyses (project_id, error_key, error_type, file, line, col, code,
				message, suggestion, fix_attempts, resolved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, key, string(ea.Type), ea.File, ea.Line, ea.Column, ea.Code,
			ea.Message, ea.Suggestion, ea.FixAttempts, ea.Resolved,
		)
		if err != nil {
			return fmt.Errorf("failed to insert error analysis %s: %w", key, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM feedback WHERE project_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear feedback for %s: %w", p.ID, err)
	}
	for i, f := range p.Feedback {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO feedback (project_id, seq, text, created_at, consumed) VALUES (?, ?, ?, ?, ?)`,
			p.ID, i, f.Text, formatTime(f.At), f.Consumed,
		)
		if err != nil {
			return fmt.Errorf("failed to insert feedback for %s: %w", p.ID, err)
		}
	}

	// History is append-only.
	for i, t := range p.History {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO transitions (project_id, seq, from_status, to_status, reason, at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, i, string(t.From), string(t.To), t.Reason, formatTime(t.At),
		)
		if err != nil {
			return fmt.Errorf("failed to insert transition for %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project %s: %w", p.ID, err)
	}
	return nil
}

// LoadProject reads one project with its children.
func (s *Store) LoadProject(ctx context.Context, id string) (*project.PluginProject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", project.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjects returns matching projects oldest first.
func (s *Store) ListProjects(ctx context.Context, filter ProjectFilter) ([]*project.PluginProject, error) {
	var (
		where []string
		args  []any
	)
	if filter.ActiveOnly {
		where = append(where, "status NOT IN (?, ?, ?)")
		args = append(args, string(project.StatusCompleted), string(project.StatusFailed), string(project.StatusCancelled))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	var projects []*project.PluginProject
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	_ = rows.Close()

	for _, p := range projects {
		if err := s.loadChildren(ctx, p); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

// DeleteProject removes a project and its children.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", project.ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*project.PluginProject, error) {
	var (
		p                    project.PluginProject
		status, resume       string
		keywords, secrets    string
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.UserID, &status, &p.Mode, &p.Phase, &p.TotalPhases,
		&p.CurrentIteration, &p.MaxIterations, &p.LocalPath, &p.MVPPlan, &keywords, &secrets,
		&p.Error, &resume, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	p.Status = project.Status(status)
	p.ResumeStatus = project.Status(resume)
	if err := json.Unmarshal([]byte(keywords), &p.Keywords); err != nil {
		return nil, fmt.Errorf("failed to decode keywords of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(secrets), &p.RequiredSecrets); err != nil {
		return nil, fmt.Errorf("failed to decode required secrets of %s: %w", p.ID, err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		p.CompletedAt = &t
	}
	p.ErrorAnalysis = make(map[string]*diagnose.ErrorAnalysis)
	return &p, nil
}

func (s *Store) loadChildren(ctx context.Context, p *project.PluginProject) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT error_key, error_type, file, line, col, code, message, suggestion, fix_attempts, resolved
		FROM error_analyses WHERE project_id = ?`, p.ID)
	if err != nil {
		return fmt.Errorf("failed to query error analyses of %s: %w", p.ID, err)
	}
	for rows.Next() {
		var (
			key, typ string
			ea       diagnose.ErrorAnalysis
		)
		if err := rows.Scan(&key, &typ, &ea.File, &ea.Line, &ea.Column, &ea.Code, &ea.Message,
			&ea.Suggestion, &ea.FixAttempts, &ea.Resolved); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan error analysis: %w", err)
		}
		ea.Type = diagnose.ErrorType(typ)
		p.ErrorAnalysis[key] = &ea
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT text, created_at, consumed FROM feedback WHERE project_id = ? ORDER BY seq`, p.ID)
	if err != nil {
		return fmt.Errorf("failed to query feedback of %s: %w", p.ID, err)
	}
	for rows.Next() {
		var (
			f  project.Feedback
			at string
		)
		if err := rows.Scan(&f.Text, &at, &f.Consumed); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan feedback: %w", err)
		}
		f.At = parseTime(at)
		p.Feedback = append(p.Feedback, f)
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT from_status, to_status, reason, at FROM transitions WHERE project_id = ? ORDER BY seq`, p.ID)
	if err != nil {
		return fmt.Errorf("failed to query transitions of %s: %w", p.ID, err)
	}
	for rows.Next() {
		var from, to, reason, at string
		if err := rows.Scan(&from, &to, &reason, &at); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan transition: %w", err)
		}
		p.History = append(p.History, project.Transition{
			From: project.Status(from), To: project.Status(to), Reason: reason, At: parseTime(at),
		})
	}
	return closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	_ = rows.Close()
	if err != nil {
		return fmt.Errorf("failed to iterate rows: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
