package booking

import (
	"time"
)

// Status mirrors the lifecycle column owned by the surrounding application.
// The orchestrator only reads it.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Category discriminates how a session was booked. It selects the policy
// constants used by the planner (lead times, capacity).
type Category string

const (
	CategorySingle      Category = "SINGLE"
	CategoryGroup       Category = "GROUP"
	CategoryMultiplayer Category = "MULTIPLAYER"
)

// Flags are the orchestrator-owned progress booleans on a session row.
// They flip monotonically to true and are the cross-restart source of truth
// for "already done".
type Flags struct {
	Reminder10Sent     bool
	Reminder5Sent      bool
	Reminder1Sent      bool
	ExtensionOffered   bool
	RatingPromptShown  bool
	RatingCompleted    bool
	CleanupDone        bool
}

// Session is the orchestrator's snapshot of one booking row (joined with its
// schedule). Timestamps, status and category are read-only here; channel
// handles and Flags are the only fields the orchestrator writes back.
type Session struct {
	ID          string
	RequesterID string
	ProviderID  string
	// Extra participant ids beyond requester/provider (group/multiplayer).
	Extras []string

	Category Category
	Instant  bool

	Start time.Time
	End   time.Time

	Status Status

	TextChannelID  string // empty = no live handle
	VoiceChannelID string

	Flags Flags

	ExtendedTimes int
	// Set by the rating collector when the feedback window closes.
	RatingFinalizedAt *time.Time
}

// Participants returns all participant ids, requester first.
func (s Session) Participants() []string {
	out := make([]string, 0, 2+len(s.Extras))
	if s.RequesterID != "" {
		out = append(out, s.RequesterID)
	}
	if s.ProviderID != "" {
		out = append(out, s.ProviderID)
	}
	out = append(out, s.Extras...)
	return out
}

// Duration is the currently scheduled total length, extensions included.
func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Ended reports whether the session's scheduled time is over.
func (s Session) Ended(now time.Time) bool {
	return !now.Before(s.End)
}

// FeedbackEntry is one participant's submitted rating for a session.
type FeedbackEntry struct {
	ID          string
	SessionID   string
	SubmitterID string
	Rating      int
	Comment     string
	SubmittedAt time.Time
}
