package lifecycle

import (
	"context"
	"errors"
	"sync"

	"pairbot/internal/booking"
	"pairbot/internal/engine"
	"pairbot/internal/eventbus"
	"pairbot/internal/store"
	logx "pairbot/pkg/logx"
)

// runPass is the shared loop skeleton: one-at-a-time per loop, parked writes
// flushed first, a connectivity-classified store failure skips the whole round
// and the next tick retries from scratch.
func (s *Service) runPass(ctx context.Context, name string, busy *sync.Mutex, scan func(ctx context.Context) ([]booking.Session, error), allowed map[engine.ActionKind]bool) {
	if !busy.TryLock() {
		s.log.Debug("pass still running, tick skipped", logx.String("loop", name))
		return
	}
	defer busy.Unlock()

	s.flushPending(ctx)

	sessions, err := scan(ctx)
	if err != nil {
		s.skipRound(name, err)
		return
	}
	s.runPlans(ctx, name, sessions, allowed)
}

// runPlans plans each snapshot and executes its due actions, filtered to the
// calling loop's concern. Per-record isolation: one failing record logs and
// moves on, it never aborts the pass.
func (s *Service) runPlans(ctx context.Context, name string, sessions []booking.Session, allowed map[engine.ActionKind]bool) {
	now := s.now()
	for _, ses := range sessions {
		if ctx.Err() != nil {
			return
		}
		for _, kind := range engine.Plan(ses, now) {
			if !allowed[kind] {
				continue
			}
			if err := s.execute(ctx, ses.ID, kind); err != nil {
				s.log.Warn("action failed",
					logx.String("loop", name),
					logx.String("session", ses.ID),
					logx.String("action", string(kind)),
					logx.Err(err))
			}
		}
	}
}

func (s *Service) skipRound(name string, err error) {
	if errors.Is(err, store.ErrSkipRound) {
		s.log.Warn("round skipped, store unavailable", logx.String("loop", name), logx.Err(err))
	} else {
		s.log.Error("scan failed", logx.String("loop", name), logx.Err(err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRoundSkipped, Data: name})
	}
}

// channelsPass creates channels for sessions whose lead window has opened.
func (s *Service) channelsPass(ctx context.Context) {
	s.runPass(ctx, "channels", &s.busy.channels,
		func(ctx context.Context) ([]booking.Session, error) {
			return s.gw.UpcomingSessions(ctx, s.cfg.UpcomingLookBehind, s.cfg.UpcomingLookAhead)
		},
		map[engine.ActionKind]bool{
			engine.ActionCreateTextChannel:  true,
			engine.ActionCreateVoiceChannel: true,
		})
}

// remindersPass counts down running sessions: reminders and the extension
// offer.
func (s *Service) remindersPass(ctx context.Context) {
	s.runPass(ctx, "reminders", &s.busy.reminders,
		func(ctx context.Context) ([]booking.Session, error) {
			return s.gw.ActiveSessions(ctx)
		},
		map[engine.ActionKind]bool{
			engine.ActionReminder10:     true,
			engine.ActionReminder5:      true,
			engine.ActionReminder1:      true,
			engine.ActionOfferExtension: true,
		})
}

// wrapupPass tears down ended sessions and cancelled ones still holding
// channels.
func (s *Service) wrapupPass(ctx context.Context) {
	s.runPass(ctx, "wrapup", &s.busy.wrapup,
		func(ctx context.Context) ([]booking.Session, error) {
			ended, err := s.gw.EndedSessions(ctx, s.cfg.WrapupLookBehind)
			if err != nil {
				return nil, err
			}
			cancelled, err := s.gw.CancelledSessions(ctx)
			if err != nil {
				return nil, err
			}
			return append(ended, cancelled...), nil
		},
		map[engine.ActionKind]bool{
			engine.ActionDeleteVoiceChannel: true,
			engine.ActionShowRatingPrompt:   true,
			engine.ActionCleanup:            true,
		})
}

// sweepPass is the low-urgency safety net: a wide look-behind catches records
// the tighter loops missed (downtime, parked failures), finalizes orphaned
// rating flows and applies the unconditional cleanup fallback.
func (s *Service) sweepPass(ctx context.Context) {
	if !s.busy.sweep.TryLock() {
		return
	}
	defer s.busy.sweep.Unlock()

	s.flushPending(ctx)

	sessions, err := s.gw.EndedSessions(ctx, s.cfg.SweepLookBehind)
	if err != nil {
		s.skipRound("sweep", err)
		return
	}

	if s.collector != nil {
		s.collector.FinalizeOverdue(ctx, sessions)
	}

	s.runPlans(ctx, "sweep", sessions, map[engine.ActionKind]bool{
		engine.ActionDeleteVoiceChannel: true,
		engine.ActionShowRatingPrompt:   true,
		engine.ActionCleanup:            true,
	})

	s.log.Debug("sweep pass done",
		logx.Int("scanned", len(sessions)),
		logx.Int("tasks", s.registry.Len()))
}
