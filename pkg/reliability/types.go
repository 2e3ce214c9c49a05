package reliability

import (
	"errors"
	"time"
)

// SampleInterval is the collection cadence of the upstream feed
const SampleInterval = 5 * time.Minute

// ActivityWindow is how far back an entity must have operated to count
// toward a denominator
const ActivityWindow = 7 * 24 * time.Hour

var (
	// ErrMalformedReading marks a reading that cannot be counted
	ErrMalformedReading = errors.New("malformed reading")

	// ErrZeroDenominator is returned when an active row has no weight or open time
	ErrZeroDenominator = errors.New("zero score denominator")

	// ErrInconsistentRow marks a row that violates the count invariant
	ErrInconsistentRow = errors.New("inconsistent aggregate row")
)

// Status is the raw status reported for an entity at one instant
type Status string

const (
	StatusOperating     Status = "OPERATING"
	StatusDown          Status = "DOWN"
	StatusClosed        Status = "CLOSED"
	StatusRefurbishment Status = "REFURBISHMENT"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusOperating, StatusDown, StatusClosed, StatusRefurbishment:
		return true
	}
	return false
}

// Operated reports whether the status means the entity was running or
// scheduled to run (OPERATING or DOWN)
func (s Status) Operated() bool {
	return s == StatusOperating || s == StatusDown
}

// Tier classifies an entity's importance. Zero means unclassified.
type Tier int

const (
	TierUnclassified Tier = 0
	Tier1            Tier = 1
	Tier2            Tier = 2
	Tier3            Tier = 3
)

// Weight returns the denominator weight of the tier
func (t Tier) Weight() float64 {
	switch t {
	case Tier1:
		return 3
	case Tier2:
		return 2
	case Tier3:
		return 1
	default:
		return 2
	}
}

// Kind distinguishes entity rows from group rows
type Kind string

const (
	KindEntity Kind = "entity"
	KindGroup  Kind = "group"
)

// ParseKind validates a kind token
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindEntity, KindGroup:
		return Kind(s), nil
	}
	return "", errors.New("kind must be entity or group")
}

// Reading is one status observation for one entity
type Reading struct {
	EntityID     string    `json:"entity_id" validate:"required,max=128"`
	GroupID      string    `json:"group_id" validate:"required,max=128"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`
	Status       Status    `json:"status" validate:"required,oneof=OPERATING DOWN CLOSED REFURBISHMENT"`
	GroupOpen    bool      `json:"group_open"`
	CountsAsDown bool      `json:"counts_as_down"`
	WaitMinutes  *float64  `json:"wait_minutes,omitempty" validate:"omitempty,gte=0,lte=1440"`
}

// Derive normalizes a reading to UTC and computes CountsAsDown.
// A closed group wins over any entity status.
func Derive(r Reading) Reading {
	r.Timestamp = r.Timestamp.UTC()
	r.CountsAsDown = r.GroupOpen && r.Status == StatusDown
	return r
}

// Entity is a catalog entry
type Entity struct {
	ID      string `json:"id" validate:"required,max=128"`
	GroupID string `json:"group_id" validate:"required,max=128"`
	Name    string `json:"name,omitempty" validate:"max=256"`
	Tier    Tier   `json:"tier" validate:"gte=0,lte=3"`
}

// EntityError records an entity that was skipped during a computation
type EntityError struct {
	ID  string
	Err error
}

func (e EntityError) Error() string {
	return e.ID + ": " + e.Err.Error()
}
