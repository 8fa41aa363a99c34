// Package store is the persistence gateway to the surrounding application's
// relational schema.
//
// The orchestrator does not own the schema: it has read access to
// timestamps/status/category and read-write access only to the channel-handle
// and progress-flag columns, plus the feedback table. All access goes through
// short-lived scoped calls with centralized connectivity retry (see
// errors.go).
package store

import (
	"context"
	"time"

	"pairbot/internal/booking"
)

// Flag names one orchestrator-owned progress boolean.
type Flag string

const (
	FlagReminder10       Flag = "reminder_10m"
	FlagReminder5        Flag = "reminder_5m"
	FlagReminder1        Flag = "reminder_1m"
	FlagExtensionOffered Flag = "extension_offer"
	FlagRatingPrompt     Flag = "rating_prompt"
	FlagRatingCompleted  Flag = "rating_completed"
	FlagCleanupDone      Flag = "cleanup_done"
)

// Gateway is the store surface consumed by the lifecycle service and the
// rating collector. Implementations must isolate connectivity failures behind
// ErrSkipRound (see errors.go) so one bad round never kills a loop.
type Gateway interface {
	// UpcomingSessions returns CONFIRMED sessions whose start falls inside
	// [now-lookBehind, now+lookAhead]. Channel-creation work.
	UpcomingSessions(ctx context.Context, lookBehind, lookAhead time.Duration) ([]booking.Session, error)

	// ActiveSessions returns CONFIRMED sessions currently in progress
	// (start <= now < end). Reminder/extension work.
	ActiveSessions(ctx context.Context) ([]booking.Session, error)

	// EndedSessions returns sessions past their end that still have
	// orchestrator work left (live handles, pending rating, cleanup).
	EndedSessions(ctx context.Context, lookBehind time.Duration) ([]booking.Session, error)

	// CancelledSessions returns CANCELLED sessions that still carry live
	// channel handles.
	CancelledSessions(ctx context.Context) ([]booking.Session, error)

	GetSession(ctx context.Context, id string) (booking.Session, error)

	// SetChannel persists a channel handle. Kind is "text" or "voice".
	SetTextChannel(ctx context.Context, id, handle string) error
	SetVoiceChannel(ctx context.Context, id, handle string) error
	ClearTextChannel(ctx context.Context, id string) error
	ClearVoiceChannel(ctx context.Context, id string) error

	// SetFlag flips a progress flag to true. Flags are monotonic; setting an
	// already-true flag is a no-op.
	SetFlag(ctx context.Context, id string, flag Flag) error

	// ExtendEnd pushes the session end out by increment and bumps the
	// extension counter. End times only ever increase.
	ExtendEnd(ctx context.Context, id string, increment time.Duration) (time.Time, error)

	SetRatingFinalized(ctx context.Context, id string, at time.Time) error

	InsertFeedback(ctx context.Context, e booking.FeedbackEntry) error
	FeedbackForSession(ctx context.Context, id string) ([]booking.FeedbackEntry, error)

	Ping(ctx context.Context) error
	Close()
}

// Config configures the Postgres gateway.
type Config struct {
	URL string
	// MaxConns caps the pool. 0 keeps the pgx default.
	MaxConns int
	// OpTimeout bounds every scoped call. 0 means 10s.
	OpTimeout time.Duration
}
