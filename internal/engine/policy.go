package engine

import (
	"time"

	"pairbot/internal/booking"
)

// Policy carries the category-dependent timing constants. One planner
// implementation is parameterized by these instead of branching per category
// at every call site.
type Policy struct {
	// TextLead is how long before start the text channel appears.
	TextLead time.Duration
	// VoiceLead is how long before start the voice channel appears.
	VoiceLead time.Duration
	// Capacity caps the voice channel member count. 0 = uncapped.
	Capacity int
}

// Timing constants shared by all categories.
const (
	Reminder10Mark = 10 * time.Minute
	Reminder5Mark  = 5 * time.Minute
	Reminder1Mark  = 1 * time.Minute

	// ExtensionMark is how long before end the extension offer fires;
	// ExtensionMinDuration gates it to sessions long enough to extend.
	ExtensionMark        = 5 * time.Minute
	ExtensionMinDuration = 30 * time.Minute

	// ExtensionIncrement is the fixed amount one extension adds to end.
	ExtensionIncrement = 10 * time.Minute

	// CleanupDelay runs after the later of (end, rating finalized);
	// CleanupFallback runs unconditionally after end regardless of rating.
	CleanupDelay    = 15 * time.Minute
	CleanupFallback = 60 * time.Minute
)

var policies = map[booking.Category]Policy{
	booking.CategorySingle:      {TextLead: 5 * time.Minute, VoiceLead: 5 * time.Minute, Capacity: 2},
	booking.CategoryGroup:       {TextLead: 10 * time.Minute, VoiceLead: 5 * time.Minute, Capacity: 6},
	booking.CategoryMultiplayer: {TextLead: 30 * time.Minute, VoiceLead: 5 * time.Minute, Capacity: 10},
}

// PolicyFor resolves the timing policy for a session. Instant bookings
// collapse the lead times: channels are due the moment the booking exists.
func PolicyFor(ses booking.Session) Policy {
	p, ok := policies[ses.Category]
	if !ok {
		p = policies[booking.CategorySingle]
	}
	if ses.Instant {
		// Large enough that "start - lead" is always in the past.
		p.TextLead = 24 * time.Hour
		p.VoiceLead = 24 * time.Hour
	}
	return p
}
