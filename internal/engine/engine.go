// Package engine is the pure decision core: given a session snapshot and the
// current instant, it returns the set of due actions in fixed priority order.
//
// The engine performs no I/O and holds no state. Every poll recomputes
// decisions from the persisted snapshot, which is what makes the whole
// orchestrator crash-tolerant: a missed pass just means the next pass emits
// the same (still due, still unflagged) actions again.
package engine

import (
	"time"

	"pairbot/internal/booking"
)

// Plan returns the actions due for ses at now, ordered by evalOrder.
//
// Callers must re-check each action's precondition against fresh state
// immediately before the mutating call; between the scan and the execution
// another loop may have acted on the same record.
func Plan(ses booking.Session, now time.Time) []ActionKind {
	// Defensive: a snapshot violating start <= end plans nothing.
	if ses.End.Before(ses.Start) {
		return nil
	}

	due := map[ActionKind]bool{}
	switch ses.Status {
	case booking.StatusCancelled:
		planCancelled(ses, due)
	case booking.StatusConfirmed, booking.StatusCompleted:
		planLifecycle(ses, now, due)
	default:
		return nil
	}

	var out []ActionKind
	for _, k := range evalOrder {
		if due[k] {
			out = append(out, k)
		}
	}
	return out
}

// planCancelled tears down whatever still exists; no reminders, no rating.
func planCancelled(ses booking.Session, due map[ActionKind]bool) {
	if ses.VoiceChannelID != "" {
		due[ActionDeleteVoiceChannel] = true
	}
	if !ses.Flags.CleanupDone {
		due[ActionCleanup] = true
	}
}

func planLifecycle(ses booking.Session, now time.Time, due map[ActionKind]bool) {
	pol := PolicyFor(ses)
	ended := ses.Ended(now)
	dur := ses.Duration()

	// Creation only while the session is still in play, and only for
	// CONFIRMED records (COMPLETED means the application already closed it).
	if ses.Status == booking.StatusConfirmed && !ended {
		if ses.TextChannelID == "" && !now.Before(ses.Start.Add(-pol.TextLead)) {
			due[ActionCreateTextChannel] = true
		}
		if ses.VoiceChannelID == "" && !now.Before(ses.Start.Add(-pol.VoiceLead)) {
			due[ActionCreateVoiceChannel] = true
		}

		// Reminders count down to end. A reminder fires only when the total
		// duration strictly exceeds its mark: a 10-minute session gets the
		// 5m and 1m reminders but never the 10m one.
		reminders := []struct {
			kind ActionKind
			mark time.Duration
			sent bool
		}{
			{ActionReminder10, Reminder10Mark, ses.Flags.Reminder10Sent},
			{ActionReminder5, Reminder5Mark, ses.Flags.Reminder5Sent},
			{ActionReminder1, Reminder1Mark, ses.Flags.Reminder1Sent},
		}
		for _, r := range reminders {
			if r.sent || dur <= r.mark {
				continue
			}
			if !now.Before(ses.End.Add(-r.mark)) {
				due[r.kind] = true
			}
		}

		if !ses.Flags.ExtensionOffered && dur > ExtensionMinDuration &&
			!now.Before(ses.End.Add(-ExtensionMark)) {
			due[ActionOfferExtension] = true
		}
	}

	if !ended {
		return
	}

	// Past end: tear down voice, prompt for rating, eventually clean up.
	if ses.VoiceChannelID != "" {
		due[ActionDeleteVoiceChannel] = true
	}
	if !ses.Flags.RatingPromptShown && ses.TextChannelID != "" {
		due[ActionShowRatingPrompt] = true
	}
	if !ses.Flags.CleanupDone && cleanupDue(ses, now) {
		due[ActionCleanup] = true
	}
}

// cleanupDue applies the two cleanup clocks: CleanupDelay after the later of
// (end, rating finalized) once the rating flow has run, and the unconditional
// CleanupFallback after end for sessions whose rating never finalizes.
func cleanupDue(ses booking.Session, now time.Time) bool {
	if ses.RatingFinalizedAt != nil {
		anchor := ses.End
		if ses.RatingFinalizedAt.After(anchor) {
			anchor = *ses.RatingFinalizedAt
		}
		if !now.Before(anchor.Add(CleanupDelay)) {
			return true
		}
	}
	return !now.Before(ses.End.Add(CleanupFallback))
}
