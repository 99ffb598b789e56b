package pass

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a pass. A pass starts out and ends in
// exactly one of the terminal states; terminal passes never transition again.
type Status string

const (
	StatusOut      Status = "out"
	StatusReturned Status = "returned"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusReturned, StatusRevoked, StatusExpired:
		return true
	default:
		return false
	}
}

type Type string

const (
	TypeGeneral    Type = "general"
	TypeNurse      Type = "nurse"
	TypeDiscipline Type = "discipline"
	TypeRestroom   Type = "restroom"
	TypeOffice     Type = "office"
	TypeCustom     Type = "custom"
)

func ParseType(value string) (Type, error) {
	switch value {
	case "general", "nurse", "discipline", "restroom", "office", "custom":
		return Type(value), nil
	default:
		return "", fmt.Errorf("%w: unknown pass type %q", ErrValidation, value)
	}
}

type Pass struct {
	ID              string
	SchoolID        string
	StudentID       string
	TeacherID       string
	Type            Type
	CustomReason    string
	Status          Status
	IssuedAt        time.Time
	ReturnedAt      *time.Time
	DurationMinutes int
	ExpiresAt       *time.Time
}

// DurationMinutes computes the whole minutes between issue and return,
// clamped at zero so a skewed client clock never produces a negative value.
func DurationMinutes(issuedAt, returnedAt time.Time) int {
	minutes := int(returnedAt.Sub(issuedAt).Minutes())
	if minutes < 0 {
		return 0
	}
	return minutes
}

// Return transitions the pass out -> returned, setting returnedAt exactly
// once. A second return fails with ErrAlreadyReturned and leaves the
// first-set returnedAt and duration untouched.
func (p *Pass) Return(now time.Time) error {
	switch p.Status {
	case StatusOut:
	case StatusReturned:
		return ErrAlreadyReturned
	default:
		return ErrNotOut
	}
	returnedAt := now.UTC()
	p.Status = StatusReturned
	p.ReturnedAt = &returnedAt
	p.DurationMinutes = DurationMinutes(p.IssuedAt, returnedAt)
	return nil
}

// Revoke is the administrative override: out -> revoked, no duration.
func (p *Pass) Revoke() error {
	if p.Status != StatusOut {
		return ErrNotOut
	}
	p.Status = StatusRevoked
	return nil
}

// Expire marks an out pass expired. Expiry is always an explicit action;
// nothing in the service transitions a pass when expiresAt elapses.
func (p *Pass) Expire() error {
	if p.Status != StatusOut {
		return ErrNotOut
	}
	p.Status = StatusExpired
	return nil
}
