package pass

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu       sync.Mutex
	passes   map[string]Pass
	students map[string]Student
	users    map[string]User
	schools  []string
	failFor  map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		passes:   make(map[string]Pass),
		students: make(map[string]Student),
		users:    make(map[string]User),
		failFor:  make(map[string]error),
	}
}

func (m *memStore) InsertPass(_ context.Context, p Pass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Mirrors the partial unique index on (school_id, student_id) WHERE
	// status = 'out'.
	for _, existing := range m.passes {
		if existing.SchoolID == p.SchoolID && existing.StudentID == p.StudentID && existing.Status == StatusOut {
			return ErrAlreadyOut
		}
	}
	m.passes[p.ID] = p
	return nil
}

func (m *memStore) GetPass(_ context.Context, id string) (Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passes[id]
	if !ok {
		return Pass{}, ErrNotFound
	}
	return p, nil
}

func (m *memStore) UpdatePass(_ context.Context, p Pass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.passes[p.ID]; !ok {
		return ErrNotFound
	}
	m.passes[p.ID] = p
	return nil
}

func (m *memStore) DeletePass(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.passes[id]; !ok {
		return ErrNotFound
	}
	delete(m.passes, id)
	return nil
}

func (m *memStore) ListActive(_ context.Context, schoolID string, filter ActiveFilter) ([]ActivePass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []ActivePass
	for _, p := range m.passes {
		if p.SchoolID != schoolID || p.Status != StatusOut {
			continue
		}
		if filter.TeacherID != "" && p.TeacherID != filter.TeacherID {
			continue
		}
		student := m.students[p.StudentID]
		if filter.GradeID != "" && student.GradeID != filter.GradeID {
			continue
		}
		result = append(result, ActivePass{
			Pass:             p,
			StudentFirstName: student.FirstName,
			StudentLastName:  student.LastName,
			GradeID:          student.GradeID,
		})
	}
	return result, nil
}

func (m *memStore) ListHistory(_ context.Context, schoolID string, filter HistoryFilter) ([]Pass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Pass
	for _, p := range m.passes {
		if p.SchoolID != schoolID {
			continue
		}
		if filter.DateStart != nil && p.IssuedAt.Before(*filter.DateStart) {
			continue
		}
		if filter.DateEnd != nil && p.IssuedAt.After(*filter.DateEnd) {
			continue
		}
		if filter.TeacherID != "" && p.TeacherID != filter.TeacherID {
			continue
		}
		if filter.PassType != "" && p.Type != filter.PassType {
			continue
		}
		if filter.GradeID != "" && m.students[p.StudentID].GradeID != filter.GradeID {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

func (m *memStore) ReturnAllActive(_ context.Context, schoolID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[schoolID]; err != nil {
		return 0, err
	}
	count := 0
	for id, p := range m.passes {
		if p.SchoolID != schoolID || p.Status != StatusOut {
			continue
		}
		returnedAt := now.UTC()
		p.Status = StatusReturned
		p.ReturnedAt = &returnedAt
		p.DurationMinutes = DurationMinutes(p.IssuedAt, returnedAt)
		m.passes[id] = p
		count++
	}
	return count, nil
}

func (m *memStore) ListSchoolIDs(_ context.Context) ([]string, error) {
	return m.schools, nil
}

func (m *memStore) GetStudent(_ context.Context, schoolID, studentID string) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	student, ok := m.students[studentID]
	if !ok || student.SchoolID != schoolID {
		return Student{}, ErrNotFound
	}
	return student, nil
}

func (m *memStore) GetUser(_ context.Context, schoolID, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || user.SchoolID != schoolID {
		return User{}, ErrNotFound
	}
	return user, nil
}

const (
	schoolA  = "aaaaaaaa-0000-0000-0000-000000000001"
	schoolB  = "aaaaaaaa-0000-0000-0000-000000000002"
	alice    = "bbbbbbbb-0000-0000-0000-000000000001"
	bob      = "bbbbbbbb-0000-0000-0000-000000000002"
	teacherA = "cccccccc-0000-0000-0000-000000000001"
)

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	store.schools = []string{schoolA, schoolB}
	store.students[alice] = Student{ID: alice, SchoolID: schoolA, GradeID: "grade-7", FirstName: "Alice", LastName: "Nguyen"}
	store.students[bob] = Student{ID: bob, SchoolID: schoolA, GradeID: "grade-8", FirstName: "Bob", LastName: "Okafor"}
	store.users[teacherA] = User{ID: teacherA, SchoolID: schoolA, Role: "teacher"}
	return NewService(store, store), store
}

func TestIssueRejectsSecondActivePass(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	input := IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeNurse}
	if _, err := svc.Issue(ctx, input); err != nil {
		t.Fatalf("first issue failed: %v", err)
	}
	if _, err := svc.Issue(ctx, input); !errors.Is(err, ErrAlreadyOut) {
		t.Fatalf("expected ErrAlreadyOut, got %v", err)
	}
	// A different student is unaffected.
	if _, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: bob, TeacherID: teacherA, Type: TypeRestroom}); err != nil {
		t.Fatalf("issue for second student failed: %v", err)
	}
}

func TestIssueAfterReturnSucceeds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	input := IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeOffice}
	first, err := svc.Issue(ctx, input)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := svc.Return(ctx, first.ID); err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if _, err := svc.Issue(ctx, input); err != nil {
		t.Fatalf("re-issue after return failed: %v", err)
	}
}

func TestIssueValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// Unknown student.
	_, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: "bbbbbbbb-0000-0000-0000-00000000dead", TeacherID: teacherA, Type: TypeGeneral})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown student, got %v", err)
	}
	// Student from another tenant is invisible.
	_, err = svc.Issue(ctx, IssueInput{SchoolID: schoolB, StudentID: alice, TeacherID: teacherA, Type: TypeGeneral})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for cross-school student, got %v", err)
	}
	// Custom pass requires a reason.
	_, err = svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeCustom})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for custom without reason, got %v", err)
	}
}

func TestReturnErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Return(ctx, "dddddddd-0000-0000-0000-000000000001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeNurse})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	returned, err := svc.Return(ctx, p.ID)
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if _, err := svc.Return(ctx, p.ID); !errors.Is(err, ErrAlreadyReturned) {
		t.Fatalf("expected ErrAlreadyReturned, got %v", err)
	}
	again, err := svc.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !again.ReturnedAt.Equal(*returned.ReturnedAt) || again.DurationMinutes != returned.DurationMinutes {
		t.Fatalf("double return mutated stored pass")
	}
}

func TestReturnDuration(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issuedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	current := issuedAt
	svc.WithClock(func() time.Time { return current })

	p, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeNurse})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if p.DurationMinutes != 0 {
		t.Fatalf("open pass must have duration 0, got %d", p.DurationMinutes)
	}

	current = issuedAt.Add(17 * time.Minute)
	returned, err := svc.Return(ctx, p.ID)
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if returned.DurationMinutes != 17 {
		t.Fatalf("expected duration 17, got %d", returned.DurationMinutes)
	}
	if !returned.ReturnedAt.Equal(current) {
		t.Fatalf("expected returnedAt %v, got %v", current, returned.ReturnedAt)
	}
}

func TestListActiveDerivesDuration(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issuedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	current := issuedAt
	svc.WithClock(func() time.Time { return current })

	if _, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeNurse}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	current = issuedAt.Add(9 * time.Minute)
	rows, err := svc.ListActive(ctx, schoolA, ActiveFilter{})
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 active pass, got %d", len(rows))
	}
	if rows[0].DurationMinutes != 9 {
		t.Fatalf("expected derived duration 9, got %d", rows[0].DurationMinutes)
	}
	if rows[0].StudentFirstName != "Alice" {
		t.Fatalf("expected student display data, got %q", rows[0].StudentFirstName)
	}
}

func TestListActiveGradeFilter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeNurse}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: bob, TeacherID: teacherA, Type: TypeRestroom}); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	rows, err := svc.ListActive(ctx, schoolA, ActiveFilter{GradeID: "grade-7"})
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(rows) != 1 || rows[0].StudentID != alice {
		t.Fatalf("expected only the grade-7 student, got %d rows", len(rows))
	}
}

func TestResetSchoolSweep(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	issuedAt := time.Date(2026, 3, 2, 22, 40, 0, 0, time.UTC)
	current := issuedAt
	svc.WithClock(func() time.Time { return current })

	out1, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeNurse})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	out2, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: bob, TeacherID: teacherA, Type: TypeOffice})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	// Pre-existing terminal pass must be untouched by the sweep.
	if _, err := svc.Revoke(ctx, out2.ID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	current = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	count, err := svc.ResetSchool(ctx, schoolA)
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pass swept, got %d", count)
	}

	swept, err := svc.Get(ctx, out1.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if swept.Status != StatusReturned || swept.ReturnedAt == nil {
		t.Fatalf("sweep did not return the pass: %+v", swept)
	}
	if swept.DurationMinutes != 80 {
		t.Fatalf("expected duration 80, got %d", swept.DurationMinutes)
	}

	untouched := store.passes[out2.ID]
	if untouched.Status != StatusRevoked || untouched.ReturnedAt != nil {
		t.Fatalf("sweep touched a terminal pass: %+v", untouched)
	}
}

func TestDeleteRemovesPass(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeNurse})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := svc.Delete(ctx, p.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := svc.Get(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Invariant holds post-delete: the student can go out again.
	if _, err := svc.Issue(ctx, IssueInput{SchoolID: schoolA, StudentID: alice, TeacherID: teacherA, Type: TypeNurse}); err != nil {
		t.Fatalf("issue after delete failed: %v", err)
	}
}
