package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bzinkan/pass-pilot-sub000/internal/pass"
)

const uniqueViolation = "23505"

func (s *Store) InsertPass(ctx context.Context, p pass.Pass) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO passes (id, school_id, student_id, teacher_id, pass_type, custom_reason, status, issued_at, returned_at, duration_minutes, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	`, p.ID, p.SchoolID, p.StudentID, p.TeacherID, string(p.Type), nullableText(p.CustomReason), string(p.Status), p.IssuedAt, p.ReturnedAt, p.DurationMinutes, p.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return pass.ErrAlreadyOut
		}
		return err
	}
	return nil
}

func (s *Store) GetPass(ctx context.Context, id string) (pass.Pass, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, school_id, student_id, teacher_id, pass_type, custom_reason, status, issued_at, returned_at, duration_minutes, expires_at
		FROM passes
		WHERE id = $1
	`, id)
	p, err := scanPass(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pass.Pass{}, pass.ErrNotFound
	}
	return p, err
}

func (s *Store) UpdatePass(ctx context.Context, p pass.Pass) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE passes
		SET status = $2, returned_at = $3, duration_minutes = $4, updated_at = now()
		WHERE id = $1
	`, p.ID, string(p.Status), p.ReturnedAt, p.DurationMinutes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pass.ErrNotFound
	}
	return nil
}

func (s *Store) DeletePass(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM passes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pass.ErrNotFound
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context, schoolID string, filter pass.ActiveFilter) ([]pass.ActivePass, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT p.id, p.school_id, p.student_id, p.teacher_id, p.pass_type, p.custom_reason, p.status, p.issued_at, p.returned_at, p.duration_minutes, p.expires_at,
		       s.first_name, s.last_name, COALESCE(s.grade_id::text, '')
		FROM passes p
		JOIN students s ON s.id = p.student_id
		WHERE p.school_id = $1 AND p.status = 'out'
	`)
	args := []any{schoolID}
	if filter.TeacherID != "" {
		args = append(args, filter.TeacherID)
		fmt.Fprintf(&query, " AND p.teacher_id = $%d", len(args))
	}
	if filter.GradeID != "" {
		args = append(args, filter.GradeID)
		fmt.Fprintf(&query, " AND s.grade_id = $%d", len(args))
	}
	query.WriteString(" ORDER BY p.issued_at")

	rows, err := s.Pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pass.ActivePass
	for rows.Next() {
		var (
			entry        pass.ActivePass
			customReason *string
		)
		if err := rows.Scan(
			&entry.ID, &entry.SchoolID, &entry.StudentID, &entry.TeacherID,
			&entry.Type, &customReason, &entry.Status, &entry.IssuedAt,
			&entry.ReturnedAt, &entry.DurationMinutes, &entry.ExpiresAt,
			&entry.StudentFirstName, &entry.StudentLastName, &entry.GradeID,
		); err != nil {
			return nil, err
		}
		if customReason != nil {
			entry.CustomReason = *customReason
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *Store) ListHistory(ctx context.Context, schoolID string, filter pass.HistoryFilter) ([]pass.Pass, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT p.id, p.school_id, p.student_id, p.teacher_id, p.pass_type, p.custom_reason, p.status, p.issued_at, p.returned_at, p.duration_minutes, p.expires_at
		FROM passes p
	`)
	if filter.GradeID != "" {
		query.WriteString(" JOIN students s ON s.id = p.student_id")
	}
	query.WriteString(" WHERE p.school_id = $1")
	args := []any{schoolID}
	if filter.DateStart != nil {
		args = append(args, *filter.DateStart)
		fmt.Fprintf(&query, " AND p.issued_at >= $%d", len(args))
	}
	if filter.DateEnd != nil {
		args = append(args, *filter.DateEnd)
		fmt.Fprintf(&query, " AND p.issued_at <= $%d", len(args))
	}
	if filter.GradeID != "" {
		args = append(args, filter.GradeID)
		fmt.Fprintf(&query, " AND s.grade_id = $%d", len(args))
	}
	if filter.TeacherID != "" {
		args = append(args, filter.TeacherID)
		fmt.Fprintf(&query, " AND p.teacher_id = $%d", len(args))
	}
	if filter.PassType != "" {
		args = append(args, string(filter.PassType))
		fmt.Fprintf(&query, " AND p.pass_type = $%d", len(args))
	}
	query.WriteString(" ORDER BY p.issued_at DESC")

	rows, err := s.Pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []pass.Pass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ReturnAllActive is the bulk nightly sweep for one school: a single UPDATE
// transitions every out pass and computes its duration in SQL, clamped the
// same way the state machine clamps it.
func (s *Store) ReturnAllActive(ctx context.Context, schoolID string, now time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE passes
		SET status = 'returned',
		    returned_at = $2,
		    duration_minutes = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($2 - issued_at)) / 60))::int,
		    updated_at = now()
		WHERE school_id = $1 AND status = 'out'
	`, schoolID, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListSchoolIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id FROM schools ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type passRow interface {
	Scan(dest ...any) error
}

func scanPass(row passRow) (pass.Pass, error) {
	var (
		p            pass.Pass
		customReason *string
	)
	err := row.Scan(
		&p.ID, &p.SchoolID, &p.StudentID, &p.TeacherID, &p.Type,
		&customReason, &p.Status, &p.IssuedAt, &p.ReturnedAt,
		&p.DurationMinutes, &p.ExpiresAt,
	)
	if err != nil {
		return pass.Pass{}, err
	}
	if customReason != nil {
		p.CustomReason = *customReason
	}
	return p, nil
}

func nullableText(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
