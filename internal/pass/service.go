package pass

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bzinkan/pass-pilot-sub000/internal/metrics"
)

// Store is the persistence surface the service depends on. The pgx
// implementation lives in internal/db; tests substitute an in-memory one.
type Store interface {
	InsertPass(ctx context.Context, p Pass) error
	GetPass(ctx context.Context, id string) (Pass, error)
	UpdatePass(ctx context.Context, p Pass) error
	DeletePass(ctx context.Context, id string) error
	ListActive(ctx context.Context, schoolID string, filter ActiveFilter) ([]ActivePass, error)
	ListHistory(ctx context.Context, schoolID string, filter HistoryFilter) ([]Pass, error)
	ReturnAllActive(ctx context.Context, schoolID string, now time.Time) (int, error)
	ListSchoolIDs(ctx context.Context) ([]string, error)
}

// Directory resolves student and staff records for foreign-key validation.
type Directory interface {
	GetStudent(ctx context.Context, schoolID, studentID string) (Student, error)
	GetUser(ctx context.Context, schoolID, userID string) (User, error)
}

type Student struct {
	ID        string
	SchoolID  string
	GradeID   string
	FirstName string
	LastName  string
}

type User struct {
	ID       string
	SchoolID string
	Role     string
}

// ActivePass is an out pass joined with student display data. The store
// never persists a live duration; the service derives it at read time.
type ActivePass struct {
	Pass
	StudentFirstName string
	StudentLastName  string
	GradeID          string
}

type ActiveFilter struct {
	TeacherID string
	GradeID   string
}

type HistoryFilter struct {
	DateStart *time.Time
	DateEnd   *time.Time
	GradeID   string
	TeacherID string
	PassType  Type
}

type IssueInput struct {
	SchoolID         string
	StudentID        string
	TeacherID        string
	Type             Type
	CustomReason     string
	ExpiresInMinutes int
}

type Service struct {
	store Store
	dir   Directory
	now   func() time.Time
}

func NewService(store Store, dir Directory) *Service {
	return &Service{store: store, dir: dir, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue creates a new out pass for the student. The at-most-one-active-pass
// invariant is enforced by the store's partial unique index: a concurrent
// duplicate surfaces as ErrAlreadyOut from InsertPass, so there is no
// check-then-insert race here.
func (s *Service) Issue(ctx context.Context, input IssueInput) (Pass, error) {
	if input.SchoolID == "" || input.StudentID == "" || input.TeacherID == "" {
		return Pass{}, fmt.Errorf("%w: missing required id", ErrValidation)
	}
	if input.Type == TypeCustom && strings.TrimSpace(input.CustomReason) == "" {
		return Pass{}, fmt.Errorf("%w: custom pass requires a reason", ErrValidation)
	}

	student, err := s.dir.GetStudent(ctx, input.SchoolID, input.StudentID)
	if err != nil {
		return Pass{}, err
	}
	teacher, err := s.dir.GetUser(ctx, input.SchoolID, input.TeacherID)
	if err != nil {
		return Pass{}, err
	}
	if student.SchoolID != input.SchoolID || teacher.SchoolID != input.SchoolID {
		return Pass{}, fmt.Errorf("%w: school mismatch", ErrValidation)
	}

	now := s.now()
	p := Pass{
		ID:           uuid.New().String(),
		SchoolID:     input.SchoolID,
		StudentID:    student.ID,
		TeacherID:    teacher.ID,
		Type:         input.Type,
		CustomReason: strings.TrimSpace(input.CustomReason),
		Status:       StatusOut,
		IssuedAt:     now,
	}
	if input.ExpiresInMinutes > 0 {
		expiresAt := now.Add(time.Duration(input.ExpiresInMinutes) * time.Minute)
		p.ExpiresAt = &expiresAt
	}
	if err := s.store.InsertPass(ctx, p); err != nil {
		return Pass{}, err
	}
	metrics.PassesIssued.Inc()
	return p, nil
}

func (s *Service) Get(ctx context.Context, passID string) (Pass, error) {
	return s.store.GetPass(ctx, passID)
}

func (s *Service) Return(ctx context.Context, passID string) (Pass, error) {
	p, err := s.store.GetPass(ctx, passID)
	if err != nil {
		return Pass{}, err
	}
	if err := p.Return(s.now()); err != nil {
		return Pass{}, err
	}
	if err := s.store.UpdatePass(ctx, p); err != nil {
		return Pass{}, err
	}
	metrics.PassesReturned.Inc()
	return p, nil
}

func (s *Service) Revoke(ctx context.Context, passID string) (Pass, error) {
	p, err := s.store.GetPass(ctx, passID)
	if err != nil {
		return Pass{}, err
	}
	if err := p.Revoke(); err != nil {
		return Pass{}, err
	}
	if err := s.store.UpdatePass(ctx, p); err != nil {
		return Pass{}, err
	}
	metrics.PassesRevoked.Inc()
	return p, nil
}

func (s *Service) Expire(ctx context.Context, passID string) (Pass, error) {
	p, err := s.store.GetPass(ctx, passID)
	if err != nil {
		return Pass{}, err
	}
	if err := p.Expire(); err != nil {
		return Pass{}, err
	}
	if err := s.store.UpdatePass(ctx, p); err != nil {
		return Pass{}, err
	}
	return p, nil
}

// Delete is the admin hard-delete correction path. Removing a row can only
// shrink the set of out passes, so the invariant holds trivially.
func (s *Service) Delete(ctx context.Context, passID string) error {
	return s.store.DeletePass(ctx, passID)
}

// ListActive returns every out pass for the school with the live duration
// derived from the service clock.
func (s *Service) ListActive(ctx context.Context, schoolID string, filter ActiveFilter) ([]ActivePass, error) {
	rows, err := s.store.ListActive(ctx, schoolID, filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range rows {
		rows[i].DurationMinutes = DurationMinutes(rows[i].IssuedAt, now)
	}
	return rows, nil
}

func (s *Service) ListHistory(ctx context.Context, schoolID string, filter HistoryFilter) ([]Pass, error) {
	return s.store.ListHistory(ctx, schoolID, filter)
}

// ResetSchool force-returns every out pass for one school. Used by the
// nightly sweep and the manual reset endpoint; semantics are identical.
func (s *Service) ResetSchool(ctx context.Context, schoolID string) (int, error) {
	count, err := s.store.ReturnAllActive(ctx, schoolID, s.now())
	if err != nil {
		return 0, err
	}
	metrics.PassesReturned.Add(float64(count))
	return count, nil
}

func (s *Service) Schools(ctx context.Context) ([]string, error) {
	return s.store.ListSchoolIDs(ctx)
}
