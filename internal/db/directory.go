package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/bzinkan/pass-pilot-sub000/internal/pass"
)

// Directory lookups are scoped by school so one tenant can never reference
// another tenant's students or staff.

func (s *Store) GetStudent(ctx context.Context, schoolID, studentID string) (pass.Student, error) {
	var student pass.Student
	row := s.Pool.QueryRow(ctx, `
		SELECT id, school_id, COALESCE(grade_id::text, ''), first_name, last_name
		FROM students
		WHERE id = $1 AND school_id = $2
	`, studentID, schoolID)
	err := row.Scan(&student.ID, &student.SchoolID, &student.GradeID, &student.FirstName, &student.LastName)
	if errors.Is(err, pgx.ErrNoRows) {
		return pass.Student{}, pass.ErrNotFound
	}
	return student, err
}

func (s *Store) GetUser(ctx context.Context, schoolID, userID string) (pass.User, error) {
	var user pass.User
	row := s.Pool.QueryRow(ctx, `
		SELECT id, school_id, role
		FROM users
		WHERE id = $1 AND school_id = $2
	`, userID, schoolID)
	err := row.Scan(&user.ID, &user.SchoolID, &user.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return pass.User{}, pass.ErrNotFound
	}
	return user, err
}
