package engine

import (
	"testing"
	"time"

	"pairbot/internal/booking"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func session(start, end time.Time) booking.Session {
	return booking.Session{
		ID:          "bk_1",
		RequesterID: "100",
		ProviderID:  "200",
		Category:    booking.CategorySingle,
		Status:      booking.StatusConfirmed,
		Start:       start,
		End:         end,
	}
}

func has(actions []ActionKind, k ActionKind) bool {
	for _, a := range actions {
		if a == k {
			return true
		}
	}
	return false
}

func TestPlanTimeline(t *testing.T) {
	t.Parallel()

	// start = T+10m, end = T+70m (60m duration), single category.
	start := t0.Add(10 * time.Minute)
	end := t0.Add(70 * time.Minute)

	tests := []struct {
		name string
		now  time.Time
		mod  func(*booking.Session)
		want []ActionKind
	}{
		{
			name: "before any window",
			now:  t0,
			want: nil,
		},
		{
			name: "channel windows open at start-5m",
			now:  start.Add(-5 * time.Minute),
			want: []ActionKind{ActionCreateTextChannel, ActionCreateVoiceChannel},
		},
		{
			name: "channels already created",
			now:  start,
			mod: func(s *booking.Session) {
				s.TextChannelID = "t1"
				s.VoiceChannelID = "v1"
			},
			want: nil,
		},
		{
			name: "10m reminder at end-10m",
			now:  end.Add(-10 * time.Minute),
			mod: func(s *booking.Session) {
				s.TextChannelID = "t1"
				s.VoiceChannelID = "v1"
			},
			want: []ActionKind{ActionReminder10},
		},
		{
			name: "5m reminder and extension offer at end-5m",
			now:  end.Add(-5 * time.Minute),
			mod: func(s *booking.Session) {
				s.TextChannelID = "t1"
				s.VoiceChannelID = "v1"
				s.Flags.Reminder10Sent = true
			},
			want: []ActionKind{ActionReminder5, ActionOfferExtension},
		},
		{
			name: "1m reminder at end-1m",
			now:  end.Add(-1 * time.Minute),
			mod: func(s *booking.Session) {
				s.TextChannelID = "t1"
				s.VoiceChannelID = "v1"
				s.Flags.Reminder10Sent = true
				s.Flags.Reminder5Sent = true
				s.Flags.ExtensionOffered = true
			},
			want: []ActionKind{ActionReminder1},
		},
		{
			name: "end tears down voice and prompts rating",
			now:  end,
			mod: func(s *booking.Session) {
				s.TextChannelID = "t1"
				s.VoiceChannelID = "v1"
				s.Flags.Reminder10Sent = true
				s.Flags.Reminder5Sent = true
				s.Flags.Reminder1Sent = true
				s.Flags.ExtensionOffered = true
			},
			want: []ActionKind{ActionDeleteVoiceChannel, ActionShowRatingPrompt},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ses := session(start, end)
			if tt.mod != nil {
				tt.mod(&ses)
			}
			got := Plan(ses, tt.now)
			if len(got) != len(tt.want) {
				t.Fatalf("Plan() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Plan()[%d] = %v, want %v (full: %v)", i, got[i], tt.want[i], got)
				}
			}
		})
	}
}

func TestPlanCleanupClocks(t *testing.T) {
	t.Parallel()

	start := t0
	end := t0.Add(60 * time.Minute)

	base := func() booking.Session {
		s := session(start, end)
		s.TextChannelID = "t1"
		s.Flags.Reminder10Sent = true
		s.Flags.Reminder5Sent = true
		s.Flags.Reminder1Sent = true
		s.Flags.ExtensionOffered = true
		s.Flags.RatingPromptShown = true
		return s
	}

	t.Run("rated: cleanup 15m after finalization", func(t *testing.T) {
		t.Parallel()
		s := base()
		fin := end.Add(10 * time.Minute)
		s.RatingFinalizedAt = &fin

		if got := Plan(s, fin.Add(14*time.Minute)); has(got, ActionCleanup) {
			t.Fatalf("cleanup due too early: %v", got)
		}
		if got := Plan(s, fin.Add(15*time.Minute)); !has(got, ActionCleanup) {
			t.Fatalf("cleanup not due at finalized+15m: %v", got)
		}
	})

	t.Run("unrated: fallback 60m after end", func(t *testing.T) {
		t.Parallel()
		s := base()
		if got := Plan(s, end.Add(59*time.Minute)); has(got, ActionCleanup) {
			t.Fatalf("fallback cleanup due too early: %v", got)
		}
		if got := Plan(s, end.Add(60*time.Minute)); !has(got, ActionCleanup) {
			t.Fatalf("fallback cleanup not due at end+60m: %v", got)
		}
	})

	t.Run("cleanup done is terminal", func(t *testing.T) {
		t.Parallel()
		s := base()
		s.Flags.CleanupDone = true
		if got := Plan(s, end.Add(2*time.Hour)); has(got, ActionCleanup) {
			t.Fatalf("cleanup replanned after done: %v", got)
		}
	})
}

func TestPlanReminderDurationBoundary(t *testing.T) {
	t.Parallel()

	// A session of exactly 10 minutes gets the 5m and 1m reminders but not
	// the 10m one: duration must strictly exceed the mark.
	start := t0
	end := t0.Add(10 * time.Minute)
	s := session(start, end)
	s.TextChannelID = "t1"
	s.VoiceChannelID = "v1"

	if got := Plan(s, end.Add(-10*time.Minute)); has(got, ActionReminder10) {
		t.Fatalf("10m reminder planned for a 10m session: %v", got)
	}
	if got := Plan(s, end.Add(-5*time.Minute)); !has(got, ActionReminder5) {
		t.Fatalf("5m reminder missing: %v", got)
	}
	if got := Plan(s, end.Add(-1*time.Minute)); !has(got, ActionReminder1) {
		t.Fatalf("1m reminder missing: %v", got)
	}
	// Too short for the extension offer.
	if got := Plan(s, end.Add(-5*time.Minute)); has(got, ActionOfferExtension) {
		t.Fatalf("extension offered for a 10m session: %v", got)
	}
}

func TestPlanReminderFlagsSuppress(t *testing.T) {
	t.Parallel()

	s := session(t0, t0.Add(time.Hour))
	s.TextChannelID = "t1"
	s.VoiceChannelID = "v1"
	s.Flags.Reminder10Sent = true
	s.Flags.Reminder5Sent = true
	s.Flags.Reminder1Sent = true
	s.Flags.ExtensionOffered = true

	if got := Plan(s, s.End.Add(-time.Minute)); got != nil {
		t.Fatalf("flagged actions replanned: %v", got)
	}
}

func TestPlanExtensionMovesReminders(t *testing.T) {
	t.Parallel()

	// After an extension the end moves; reminders must follow the new end.
	s := session(t0, t0.Add(40*time.Minute))
	s.TextChannelID = "t1"
	s.VoiceChannelID = "v1"

	preExtension := s.End.Add(-10 * time.Minute)
	if got := Plan(s, preExtension); !has(got, ActionReminder10) {
		t.Fatalf("10m reminder missing before extension: %v", got)
	}

	s.End = s.End.Add(ExtensionIncrement)
	s.ExtendedTimes = 1
	if got := Plan(s, preExtension); has(got, ActionReminder10) {
		t.Fatalf("10m reminder still keyed to stale end: %v", got)
	}
	if got := Plan(s, s.End.Add(-10*time.Minute)); !has(got, ActionReminder10) {
		t.Fatalf("10m reminder missing at new end-10m: %v", got)
	}
}

func TestPlanCategoryLeads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		category booking.Category
		lead     time.Duration
	}{
		{booking.CategorySingle, 5 * time.Minute},
		{booking.CategoryGroup, 10 * time.Minute},
		{booking.CategoryMultiplayer, 30 * time.Minute},
	}

	start := t0.Add(time.Hour)
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.category), func(t *testing.T) {
			t.Parallel()
			s := session(start, start.Add(time.Hour))
			s.Category = tt.category

			before := start.Add(-tt.lead - time.Second)
			if got := Plan(s, before); has(got, ActionCreateTextChannel) {
				t.Fatalf("text channel planned before lead window: %v", got)
			}
			at := start.Add(-tt.lead)
			if got := Plan(s, at); !has(got, ActionCreateTextChannel) {
				t.Fatalf("text channel not planned at lead window: %v", got)
			}
		})
	}
}

func TestPlanInstantCollapsesLead(t *testing.T) {
	t.Parallel()

	s := session(t0.Add(2*time.Hour), t0.Add(3*time.Hour))
	s.Instant = true
	got := Plan(s, t0)
	if !has(got, ActionCreateTextChannel) || !has(got, ActionCreateVoiceChannel) {
		t.Fatalf("instant booking channels not due immediately: %v", got)
	}
}

func TestPlanCancelledTearsDown(t *testing.T) {
	t.Parallel()

	s := session(t0, t0.Add(time.Hour))
	s.Status = booking.StatusCancelled
	s.TextChannelID = "t1"
	s.VoiceChannelID = "v1"

	got := Plan(s, t0.Add(time.Minute))
	want := []ActionKind{ActionDeleteVoiceChannel, ActionCleanup}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Plan(cancelled) = %v, want %v", got, want)
	}
}

func TestPlanInvalidWindow(t *testing.T) {
	t.Parallel()

	s := session(t0, t0.Add(-time.Minute)) // end < start
	if got := Plan(s, t0); got != nil {
		t.Fatalf("Plan() on invalid window = %v, want nil", got)
	}
}

func TestPlanNeverContradicts(t *testing.T) {
	t.Parallel()

	// One pass must never emit create and delete for the same channel kind.
	s := session(t0, t0.Add(time.Hour))
	for _, min := range []int{-10, 0, 30, 55, 59, 60, 61, 120} {
		now := t0.Add(time.Duration(min) * time.Minute)
		got := Plan(s, now)
		if has(got, ActionCreateVoiceChannel) && has(got, ActionDeleteVoiceChannel) {
			t.Fatalf("contradictory actions at t0%+dm: %v", min, got)
		}
	}
}
