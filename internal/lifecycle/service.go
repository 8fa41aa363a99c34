// Package lifecycle drives sessions through their timeline.
//
// Four poller loops scan disjoint slices of the schedule on independent
// cadences, feed each snapshot through the pure planner and execute whatever
// came back due. Every mutating action runs through the same dedup-guarded
// execute path, so overlapping loops and late passes converge on
// exactly-once-observable behavior.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pairbot/internal/booking"
	"pairbot/internal/dedup"
	"pairbot/internal/engine"
	"pairbot/internal/eventbus"
	"pairbot/internal/platform"
	"pairbot/internal/rating"
	"pairbot/internal/runtime/supervisor"
	"pairbot/internal/store"
	logx "pairbot/pkg/logx"
)

// Exec is the slice of the executor the lifecycle service needs.
type Exec interface {
	EnsureTextChannel(ctx context.Context, sessionID string, allow []string) (platform.Channel, error)
	EnsureVoiceChannel(ctx context.Context, sessionID string, allow []string, capacity int) (platform.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	PostMessage(ctx context.Context, channelID string, msg platform.Message) (string, error)
}

// Summarizer posts the post-cleanup admin record. Implemented by
// internal/notifier; nil disables summaries.
type Summarizer interface {
	SessionSummary(ctx context.Context, ses booking.Session) error
}

type Config struct {
	// Loop cadences.
	ChannelInterval  time.Duration
	ReminderInterval time.Duration
	WrapupInterval   time.Duration
	SweepInterval    time.Duration

	// Scan windows per loop.
	UpcomingLookBehind time.Duration
	UpcomingLookAhead  time.Duration
	WrapupLookBehind   time.Duration
	SweepLookBehind    time.Duration
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.ChannelInterval, 30*time.Second)
	def(&c.ReminderInterval, 30*time.Second)
	def(&c.WrapupInterval, time.Minute)
	def(&c.SweepInterval, 10*time.Minute)
	def(&c.UpcomingLookBehind, 10*time.Minute)
	// Wide enough to catch the longest creation lead (30m) with margin.
	def(&c.UpcomingLookAhead, 35*time.Minute)
	def(&c.WrapupLookBehind, 2*time.Hour)
	def(&c.SweepLookBehind, 24*time.Hour)
	return c
}

type Service struct {
	cfg       Config
	gw        store.Gateway
	exec      Exec
	guard     dedup.Tracker
	collector *rating.Collector
	summary   Summarizer
	bus       eventbus.Bus
	sup       *supervisor.Supervisor
	registry  *Registry
	log       logx.Logger

	c *cron.Cron

	// now is swappable for tests.
	now func() time.Time

	// Per-loop reentrancy guards: a pass that outlives its interval must not
	// stack a second pass behind it.
	busy struct {
		channels  sync.Mutex
		reminders sync.Mutex
		wrapup    sync.Mutex
		sweep     sync.Mutex
	}

	// pending holds persisted writes that failed after their external action
	// already succeeded. They are flushed at the start of every pass so the
	// durable record catches up without re-running the external call.
	pmu     sync.Mutex
	pending map[string]func(ctx context.Context) error
}

func New(cfg Config, gw store.Gateway, exec Exec, guard dedup.Tracker, collector *rating.Collector, summary Summarizer, bus eventbus.Bus, sup *supervisor.Supervisor, log logx.Logger) *Service {
	s := &Service{
		cfg:       cfg.withDefaults(),
		gw:        gw,
		exec:      exec,
		guard:     guard,
		collector: collector,
		summary:   summary,
		bus:       bus,
		sup:       sup,
		log:       log,
		now:       time.Now,
		pending:   map[string]func(ctx context.Context) error{},
	}
	s.registry = NewRegistry(sup)
	return s
}

// Start schedules the four loops and runs them until the supervisor context
// ends. Each pass also runs once immediately so a restart does not wait a full
// interval before catching up.
func (s *Service) Start() {
	s.c = cron.New()
	ctx := s.sup.Context()

	add := func(every time.Duration, name string, pass func(ctx context.Context)) {
		s.c.Schedule(cron.Every(every), cron.FuncJob(func() {
			pass(ctx)
		}))
		s.sup.Go0("lifecycle."+name+".initial", func(ctx context.Context) {
			pass(ctx)
		})
	}
	add(s.cfg.ChannelInterval, "channels", s.channelsPass)
	add(s.cfg.ReminderInterval, "reminders", s.remindersPass)
	add(s.cfg.WrapupInterval, "wrapup", s.wrapupPass)
	add(s.cfg.SweepInterval, "sweep", s.sweepPass)

	s.c.Start()
	s.sup.Go0("lifecycle.cron.stop", func(ctx context.Context) {
		<-ctx.Done()
		<-s.c.Stop().Done()
	})

	s.log.Info("lifecycle loops started",
		logx.Duration("channels", s.cfg.ChannelInterval),
		logx.Duration("reminders", s.cfg.ReminderInterval),
		logx.Duration("wrapup", s.cfg.WrapupInterval),
		logx.Duration("sweep", s.cfg.SweepInterval))
}

// Tasks reports the number of live per-record tasks. Operational signal only.
func (s *Service) Tasks() int { return s.registry.Len() }

// execute runs one due action for one session under the dedup guard.
//
// The session is re-fetched and the plan recomputed against fresh state right
// before acting: between the scan and this call another loop, another pass or
// an operator may already have handled the record.
func (s *Service) execute(ctx context.Context, sessionID string, kind engine.ActionKind) error {
	if !s.guard.Begin(sessionID, string(kind)) {
		return nil
	}
	done := false
	defer func() {
		if !done {
			s.guard.Forget(sessionID, string(kind))
		}
	}()

	ses, err := s.gw.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Row deleted out from under us; nothing left to do.
			done = true
			s.guard.Done(sessionID, string(kind))
			return nil
		}
		return err
	}

	if !planContains(engine.Plan(ses, s.now()), kind) {
		// No longer due against fresh state. Drop the claim without marking
		// done so the action can fire later if it becomes due again.
		return nil
	}

	if err := s.dispatch(ctx, ses, kind); err != nil {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeActionFailed, Data: actionEvent{sessionID, kind}})
		}
		return err
	}

	done = true
	s.guard.Done(sessionID, string(kind))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeActionExecuted, Data: actionEvent{sessionID, kind}})
	}
	return nil
}

type actionEvent struct {
	SessionID string
	Kind      engine.ActionKind
}

func planContains(plan []engine.ActionKind, kind engine.ActionKind) bool {
	for _, k := range plan {
		if k == kind {
			return true
		}
	}
	return false
}

// persist runs a durable write whose external side effect already happened.
// On failure the write is parked and retried at the start of every pass; the
// dedup entry stays Done so the external call is never repeated.
func (s *Service) persist(ctx context.Context, key string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		s.log.Warn("write parked for retry", logx.String("key", key), logx.Err(err))
		s.pmu.Lock()
		s.pending[key] = fn
		s.pmu.Unlock()
	}
}

func (s *Service) flushPending(ctx context.Context) {
	s.pmu.Lock()
	if len(s.pending) == 0 {
		s.pmu.Unlock()
		return
	}
	batch := make(map[string]func(ctx context.Context) error, len(s.pending))
	for k, fn := range s.pending {
		batch[k] = fn
	}
	s.pmu.Unlock()

	for k, fn := range batch {
		if err := fn(ctx); err != nil {
			s.log.Warn("parked write still failing", logx.String("key", k), logx.Err(err))
			continue
		}
		s.pmu.Lock()
		delete(s.pending, k)
		s.pmu.Unlock()
		s.log.Info("parked write flushed", logx.String("key", k))
	}
}

// EnsureChannels is the control-plane entry: create whatever channels are due
// for the session right now. Used by the trigger server for instant bookings.
func (s *Service) EnsureChannels(ctx context.Context, sessionID string) error {
	ses, err := s.gw.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, kind := range engine.Plan(ses, s.now()) {
		switch kind {
		case engine.ActionCreateTextChannel, engine.ActionCreateVoiceChannel:
			if err := s.execute(ctx, sessionID, kind); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Teardown force-runs the teardown tail (voice delete, cleanup) regardless of
// the cleanup clocks. Operator action for misbehaving sessions.
func (s *Service) Teardown(ctx context.Context, sessionID string) error {
	ses, err := s.gw.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if ses.VoiceChannelID != "" {
		if err := s.execute(ctx, sessionID, engine.ActionDeleteVoiceChannel); err != nil {
			return err
		}
		ses, err = s.gw.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
	}
	if !ses.Flags.CleanupDone {
		return s.cleanupNow(ctx, ses)
	}
	return nil
}

// ApplyExtension pushes the session end out by one fixed increment, cancels
// the stale end-of-session task and respawns it against the new end. Called
// when a participant accepts the extension offer.
func (s *Service) ApplyExtension(ctx context.Context, sessionID string) (time.Time, error) {
	ses, err := s.gw.GetSession(ctx, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	if ses.Status != booking.StatusConfirmed || ses.Ended(s.now()) {
		return time.Time{}, fmt.Errorf("lifecycle: session %s not extendable", sessionID)
	}

	newEnd, err := s.gw.ExtendEnd(ctx, sessionID, engine.ExtensionIncrement)
	if err != nil {
		return time.Time{}, err
	}

	// The moved end re-arms the countdown work. Clear the per-run claims so
	// the reminders and the offer can fire again against the new end; the
	// persisted flags were not touched, so only genuinely re-due actions run.
	for _, a := range []engine.ActionKind{
		engine.ActionReminder10, engine.ActionReminder5, engine.ActionReminder1,
		engine.ActionOfferExtension, engine.ActionDeleteVoiceChannel,
	} {
		s.guard.Forget(sessionID, string(a))
	}
	ses.End = newEnd
	s.scheduleEndTask(ses)

	s.log.Info("session extended",
		logx.String("session", sessionID),
		logx.Time("new_end", newEnd))
	return newEnd, nil
}

// SubmitRating forwards one participant's rating into the open window.
func (s *Service) SubmitRating(ctx context.Context, sessionID, submitterID string, value int, comment string) error {
	return s.collector.Submit(ctx, sessionID, submitterID, value, comment)
}

// scheduleEndTask (re)arms the per-record end-of-session task: it sleeps until
// the persisted end, re-derives the end from the store before acting (the
// schedule may have moved again) and then runs the teardown tail promptly
// instead of waiting for the next wrapup pass.
func (s *Service) scheduleEndTask(ses booking.Session) {
	id := ses.ID
	s.registry.Spawn(id, "lifecycle.end."+id, func(ctx context.Context) {
		target := ses.End
		for {
			remain := target.Sub(s.now())
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

			// Re-derive before acting; an extension moves the target.
			fresh, err := s.gw.GetSession(ctx, id)
			if err != nil {
				// The wrapup loop is the safety net.
				return
			}
			target = fresh.End
		}

		fresh, err := s.gw.GetSession(ctx, id)
		if err != nil {
			return
		}
		for _, kind := range engine.Plan(fresh, s.now()) {
			switch kind {
			case engine.ActionDeleteVoiceChannel, engine.ActionShowRatingPrompt:
				if err := s.execute(ctx, id, kind); err != nil {
					s.log.Warn("end task action failed",
						logx.String("session", id),
						logx.String("action", string(kind)),
						logx.Err(err))
				}
			}
		}
	})
}
