// Package rating collects post-session feedback.
//
// A flow is entered exactly once per session (the ShowRatingPrompt action,
// enforced by a persisted flag) and auto-finalizes a fixed window after the
// prompt's wall-clock display time. Submissions are keyed per (session,
// submitter) so concurrent participants never overwrite one another.
package rating

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairbot/internal/booking"
	"pairbot/internal/dedup"
	"pairbot/internal/eventbus"
	"pairbot/internal/runtime/supervisor"
	"pairbot/internal/store"
	logx "pairbot/pkg/logx"
)

const finalizeAction = "finalize_rating"

// Summary is what gets forwarded to the notifier at finalization.
type Summary struct {
	Session   booking.Session
	Entries   []booking.FeedbackEntry
	// Unsubmitted holds participant ids that never rated ("no rating").
	Unsubmitted []string
}

// Notifier receives the finalized summary. Implemented by internal/notifier.
type Notifier interface {
	RatingSummary(ctx context.Context, s Summary) error
}

type Config struct {
	// Window is how long submissions are accepted after the prompt.
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	return c
}

type flow struct {
	promptedAt time.Time
	// submitted tracks submitter ids seen this process run; the store is the
	// durable record.
	submitted map[string]bool
	state     State
}

type Collector struct {
	cfg    Config
	gw     store.Gateway
	guard  dedup.Tracker
	notify Notifier
	bus    eventbus.Bus
	sup    *supervisor.Supervisor
	log    logx.Logger

	// now is swappable for tests.
	now func() time.Time

	mu    sync.Mutex
	flows map[string]*flow
}

func New(cfg Config, gw store.Gateway, guard dedup.Tracker, notify Notifier, bus eventbus.Bus, sup *supervisor.Supervisor, log logx.Logger) *Collector {
	return &Collector{
		cfg:    cfg.withDefaults(),
		gw:     gw,
		guard:  guard,
		notify: notify,
		bus:    bus,
		sup:    sup,
		log:    log,
		now:    time.Now,
		flows:  map[string]*flow{},
	}
}

// Window reports how long submissions stay open after the prompt.
func (c *Collector) Window() time.Duration { return c.cfg.Window }

// State reports the flow state for a session in this process run.
func (c *Collector) State(sessionID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[sessionID]
	if !ok {
		return StateNotStarted
	}
	return f.state
}

// Prompted registers a new flow and schedules its finalization. Called by the
// lifecycle service right after the rating prompt was posted; promptedAt is
// the prompt's wall-clock display time, not the scan time, so the window
// self-corrects when a poll iteration runs late.
func (c *Collector) Prompted(ses booking.Session, promptedAt time.Time) {
	c.mu.Lock()
	if _, exists := c.flows[ses.ID]; exists {
		c.mu.Unlock()
		return
	}
	c.flows[ses.ID] = &flow{
		promptedAt: promptedAt,
		submitted:  map[string]bool{},
		state:      StatePrompted,
	}
	c.mu.Unlock()

	deadline := promptedAt.Add(c.cfg.Window)
	c.log.Info("rating window opened",
		logx.String("session", ses.ID),
		logx.Time("deadline", deadline))

	id := ses.ID
	c.sup.Go0("rating.finalize."+id, func(ctx context.Context) {
		// Absolute wall-clock target: recompute the remaining wait instead of
		// trusting accumulated sleeps.
		for {
			remain := deadline.Sub(c.now())
			if remain <= 0 {
				break
			}
			t := time.NewTimer(remain)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if err := c.Finalize(ctx, id); err != nil {
			c.log.Error("rating finalization failed", logx.String("session", id), logx.Err(err))
		}
	})
}

// Submit records one participant's rating. Duplicate submissions from the
// same submitter are rejected; submissions outside an open window are
// rejected.
func (c *Collector) Submit(ctx context.Context, sessionID, submitterID string, value int, comment string) error {
	if value < 1 || value > 5 {
		return fmt.Errorf("rating: value %d out of range 1..5", value)
	}

	c.mu.Lock()
	f, ok := c.flows[sessionID]
	if !ok || f.state == StateFinalized {
		c.mu.Unlock()
		return fmt.Errorf("rating: no open window for session %s", sessionID)
	}
	if f.submitted[submitterID] {
		c.mu.Unlock()
		return fmt.Errorf("rating: %s already submitted for session %s", submitterID, sessionID)
	}
	f.submitted[submitterID] = true
	c.mu.Unlock()

	entry := booking.FeedbackEntry{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		SubmitterID: submitterID,
		Rating:      value,
		Comment:     comment,
		SubmittedAt: c.now(),
	}
	if err := c.gw.InsertFeedback(ctx, entry); err != nil {
		// Roll back the in-memory mark so a retry can succeed.
		c.mu.Lock()
		if f2, ok := c.flows[sessionID]; ok {
			delete(f2.submitted, submitterID)
		}
		c.mu.Unlock()
		return err
	}

	c.advance(ctx, sessionID)
	return nil
}

// advance recomputes Partially/FullySubmitted from the participant set.
func (c *Collector) advance(ctx context.Context, sessionID string) {
	ses, err := c.gw.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	participants := ses.Participants()

	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[sessionID]
	if !ok || f.state == StateFinalized {
		return
	}
	n := len(f.submitted)
	switch {
	case n >= len(participants) && len(participants) > 0:
		f.state = StateFullySubmitted
	case n > 0:
		f.state = StatePartiallySubmitted
	}
}

// Finalize closes the window exactly once: it reads the durable submissions,
// reports unsubmitted participants as "no rating", forwards the summary and
// stamps the session. Dedup-guarded like every other action.
func (c *Collector) Finalize(ctx context.Context, sessionID string) error {
	if !c.guard.Begin(sessionID, finalizeAction) {
		return nil
	}
	ok := false
	defer func() {
		if !ok {
			c.guard.Forget(sessionID, finalizeAction)
		}
	}()

	ses, err := c.gw.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if ses.RatingFinalizedAt != nil {
		// Another process already finalized; nothing to do.
		ok = true
		c.guard.Done(sessionID, finalizeAction)
		c.markFinalized(sessionID)
		return nil
	}

	entries, err := c.gw.FeedbackForSession(ctx, sessionID)
	if err != nil {
		return err
	}

	submitted := map[string]bool{}
	for _, e := range entries {
		submitted[e.SubmitterID] = true
	}
	var unsubmitted []string
	for _, p := range ses.Participants() {
		if !submitted[p] {
			unsubmitted = append(unsubmitted, p)
		}
	}
	sort.Strings(unsubmitted)

	finalizedAt := c.now()
	if err := c.gw.SetRatingFinalized(ctx, sessionID, finalizedAt); err != nil {
		return err
	}
	if len(entries) > 0 {
		if err := c.gw.SetFlag(ctx, sessionID, store.FlagRatingCompleted); err != nil {
			c.log.Warn("rating flag write failed, retried next pass", logx.String("session", sessionID), logx.Err(err))
		}
	}

	ok = true
	c.guard.Done(sessionID, finalizeAction)
	c.markFinalized(sessionID)

	fin := finalizedAt
	ses.RatingFinalizedAt = &fin
	if c.notify != nil {
		if err := c.notify.RatingSummary(ctx, Summary{Session: ses, Entries: entries, Unsubmitted: unsubmitted}); err != nil {
			c.log.Warn("rating summary notification failed", logx.String("session", sessionID), logx.Err(err))
		}
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeRatingFinalized, Data: sessionID})
	}
	c.log.Info("rating finalized",
		logx.String("session", sessionID),
		logx.Int("submissions", len(entries)),
		logx.Int("unsubmitted", len(unsubmitted)))
	return nil
}

func (c *Collector) markFinalized(sessionID string) {
	c.mu.Lock()
	if f, ok := c.flows[sessionID]; ok {
		f.state = StateFinalized
	}
	c.mu.Unlock()
}

// FinalizeOverdue is the low-urgency sweep hook: sessions whose prompt flag
// is set but which never finalized (e.g. the process restarted and lost the
// in-memory timer) are finalized once their window has safely passed. After a
// restart the prompt display time is unknown, so the session end plus the
// window is used as a conservative anchor.
func (c *Collector) FinalizeOverdue(ctx context.Context, sessions []booking.Session) {
	for _, ses := range sessions {
		if !ses.Flags.RatingPromptShown || ses.RatingFinalizedAt != nil {
			continue
		}
		if c.now().Before(ses.End.Add(c.cfg.Window)) {
			continue
		}
		c.mu.Lock()
		_, tracked := c.flows[ses.ID]
		c.mu.Unlock()
		if tracked {
			// A live timer owns this one.
			continue
		}
		if err := c.Finalize(ctx, ses.ID); err != nil {
			c.log.Warn("orphaned rating finalization failed", logx.String("session", ses.ID), logx.Err(err))
		}
	}
}
