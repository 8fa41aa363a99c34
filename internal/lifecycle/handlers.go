package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pairbot/internal/booking"
	"pairbot/internal/engine"
	"pairbot/internal/eventbus"
	"pairbot/internal/platform"
	"pairbot/internal/store"
	logx "pairbot/pkg/logx"
)

// dispatch routes one due action to its handler. Handlers perform the
// external side effect first and persist progress through s.persist, so a
// failed durable write parks instead of re-running the external call.
func (s *Service) dispatch(ctx context.Context, ses booking.Session, kind engine.ActionKind) error {
	switch kind {
	case engine.ActionCreateTextChannel:
		return s.createTextChannel(ctx, ses)
	case engine.ActionCreateVoiceChannel:
		return s.createVoiceChannel(ctx, ses)
	case engine.ActionReminder10:
		return s.sendReminder(ctx, ses, 10*time.Minute, store.FlagReminder10)
	case engine.ActionReminder5:
		return s.sendReminder(ctx, ses, 5*time.Minute, store.FlagReminder5)
	case engine.ActionReminder1:
		return s.sendReminder(ctx, ses, time.Minute, store.FlagReminder1)
	case engine.ActionOfferExtension:
		return s.offerExtension(ctx, ses)
	case engine.ActionDeleteVoiceChannel:
		return s.deleteVoiceChannel(ctx, ses)
	case engine.ActionShowRatingPrompt:
		return s.showRatingPrompt(ctx, ses)
	case engine.ActionCleanup:
		return s.cleanupNow(ctx, ses)
	default:
		return fmt.Errorf("lifecycle: unknown action %q", kind)
	}
}

func (s *Service) createTextChannel(ctx context.Context, ses booking.Session) error {
	ch, err := s.exec.EnsureTextChannel(ctx, ses.ID, ses.Participants())
	if err != nil {
		return err
	}
	s.persist(ctx, ses.ID+"/text_handle", func(ctx context.Context) error {
		return s.gw.SetTextChannel(ctx, ses.ID, ch.ID)
	})

	// Kickoff message so participants see the schedule as soon as the room
	// exists. Best effort; the channel itself is the deliverable.
	if _, err := s.exec.PostMessage(ctx, ch.ID, kickoffMessage(ses)); err != nil {
		s.log.Warn("kickoff message failed", logx.String("session", ses.ID), logx.Err(err))
	}

	s.scheduleEndTask(ses)
	s.log.Info("text channel ready",
		logx.String("session", ses.ID),
		logx.String("channel", ch.ID))
	return nil
}

func (s *Service) createVoiceChannel(ctx context.Context, ses booking.Session) error {
	pol := engine.PolicyFor(ses)
	ch, err := s.exec.EnsureVoiceChannel(ctx, ses.ID, ses.Participants(), pol.Capacity)
	if err != nil {
		return err
	}
	s.persist(ctx, ses.ID+"/voice_handle", func(ctx context.Context) error {
		return s.gw.SetVoiceChannel(ctx, ses.ID, ch.ID)
	})
	s.log.Info("voice channel ready",
		logx.String("session", ses.ID),
		logx.String("channel", ch.ID))
	return nil
}

func (s *Service) sendReminder(ctx context.Context, ses booking.Session, mark time.Duration, flag store.Flag) error {
	if ses.TextChannelID == "" {
		// Nowhere to post yet; the channels loop will fix that and the
		// reminder stays due.
		return fmt.Errorf("lifecycle: session %s has no text channel for reminder", ses.ID)
	}
	msg := platform.Message{
		Title: "Time check",
		Body:  fmt.Sprintf("%s %d minutes left.", mentionAll(ses), int(mark.Minutes())),
	}
	if _, err := s.exec.PostMessage(ctx, ses.TextChannelID, msg); err != nil {
		return err
	}
	s.persist(ctx, ses.ID+"/"+string(flag), func(ctx context.Context) error {
		return s.gw.SetFlag(ctx, ses.ID, flag)
	})
	return nil
}

func (s *Service) offerExtension(ctx context.Context, ses booking.Session) error {
	if ses.TextChannelID == "" {
		return fmt.Errorf("lifecycle: session %s has no text channel for extension offer", ses.ID)
	}
	msg := platform.Message{
		Title: "Extend?",
		Body: fmt.Sprintf("%s the session ends in %d minutes. Extend by %d minutes?",
			mentionAll(ses),
			int(engine.ExtensionMark.Minutes()),
			int(engine.ExtensionIncrement.Minutes())),
	}
	if _, err := s.exec.PostMessage(ctx, ses.TextChannelID, msg); err != nil {
		return err
	}
	s.persist(ctx, ses.ID+"/"+string(store.FlagExtensionOffered), func(ctx context.Context) error {
		return s.gw.SetFlag(ctx, ses.ID, store.FlagExtensionOffered)
	})
	return nil
}

func (s *Service) deleteVoiceChannel(ctx context.Context, ses booking.Session) error {
	if ses.VoiceChannelID == "" {
		return nil
	}
	if err := s.exec.DeleteChannel(ctx, ses.VoiceChannelID); err != nil {
		return err
	}
	s.persist(ctx, ses.ID+"/voice_clear", func(ctx context.Context) error {
		return s.gw.ClearVoiceChannel(ctx, ses.ID)
	})
	s.log.Info("voice channel removed", logx.String("session", ses.ID))
	return nil
}

func (s *Service) showRatingPrompt(ctx context.Context, ses booking.Session) error {
	window := 10 * time.Minute
	if s.collector != nil {
		window = s.collector.Window()
	}
	msg := platform.Message{
		Title: "How did it go?",
		Body: fmt.Sprintf("%s rate this session 1-5. The window closes in %d minutes.",
			mentionAll(ses), int(window.Minutes())),
	}
	if _, err := s.exec.PostMessage(ctx, ses.TextChannelID, msg); err != nil {
		return err
	}
	promptedAt := s.now()
	s.persist(ctx, ses.ID+"/"+string(store.FlagRatingPrompt), func(ctx context.Context) error {
		return s.gw.SetFlag(ctx, ses.ID, store.FlagRatingPrompt)
	})
	if s.collector != nil {
		s.collector.Prompted(ses, promptedAt)
	}
	return nil
}

// cleanupNow is the terminal action: the text channel goes away, handles and
// the done flag are persisted, the per-record task dies and the admin summary
// goes out. After this the session never matches a scan again.
func (s *Service) cleanupNow(ctx context.Context, ses booking.Session) error {
	if ses.TextChannelID != "" {
		if err := s.exec.DeleteChannel(ctx, ses.TextChannelID); err != nil {
			return err
		}
		s.persist(ctx, ses.ID+"/text_clear", func(ctx context.Context) error {
			return s.gw.ClearTextChannel(ctx, ses.ID)
		})
	}
	s.persist(ctx, ses.ID+"/"+string(store.FlagCleanupDone), func(ctx context.Context) error {
		return s.gw.SetFlag(ctx, ses.ID, store.FlagCleanupDone)
	})

	s.registry.Cancel(ses.ID)

	if s.summary != nil && ses.Status != booking.StatusCancelled {
		if err := s.summary.SessionSummary(ctx, ses); err != nil {
			s.log.Warn("session summary failed", logx.String("session", ses.ID), logx.Err(err))
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionCleaned, Data: ses.ID})
	}
	s.log.Info("session cleaned up",
		logx.String("session", ses.ID),
		logx.String("status", string(ses.Status)))
	return nil
}

func kickoffMessage(ses booking.Session) platform.Message {
	return platform.Message{
		Title: "Session scheduled",
		Body:  fmt.Sprintf("%s your session runs %s to %s.", mentionAll(ses), ses.Start.Format("15:04"), ses.End.Format("15:04")),
		Fields: []platform.MessageField{
			{Name: "category", Value: string(ses.Category)},
			{Name: "duration", Value: fmt.Sprintf("%d min", int(ses.Duration().Minutes()))},
		},
	}
}

func mentionAll(ses booking.Session) string {
	parts := ses.Participants()
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, "<@"+p+">")
	}
	return strings.Join(out, " ")
}
