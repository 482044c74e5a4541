package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPlan is the plan assigned to guests and new registered users.
const DefaultPlan = "free"

// MaxDisplayNameLength is the longest display name, in characters, the stores accept.
const MaxDisplayNameLength = 100

// Identity represents a user of the application, either a registered user or an
// ephemeral guest created on the first chat visit.
type Identity struct {
	ID          uuid.UUID // UUIDv7
	DisplayName string
	Email       *string // nil for guests
	IsGuest     bool

	// DownstreamKey is the virtual key used to call the inference backend.
	// Empty until minted.
	DownstreamKey string
	PlanName      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasDownstreamKey returns true if a virtual key has been minted for the identity.
func (i *Identity) HasDownstreamKey() bool {
	return i.DownstreamKey != ""
}

// Plan returns the plan name, falling back to DefaultPlan.
func (i *Identity) Plan() string {
	if i.PlanName == "" {
		return DefaultPlan
	}
	return i.PlanName
}

// TruncateDisplayName trims name to MaxDisplayNameLength characters.
func TruncateDisplayName(name string) string {
	runes := []rune(name)
	if len(runes) <= MaxDisplayNameLength {
		return name
	}
	return strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
}
