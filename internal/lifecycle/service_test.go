package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"pairbot/internal/booking"
	"pairbot/internal/dedup"
	"pairbot/internal/engine"
	"pairbot/internal/eventbus"
	"pairbot/internal/platform"
	"pairbot/internal/runtime/supervisor"
	"pairbot/internal/store"
	logx "pairbot/pkg/logx"
)

type fakeGateway struct {
	mu       sync.Mutex
	sessions map[string]booking.Session

	upcoming  []string
	active    []string
	ended     []string
	cancelled []string

	scanErr error
	flagErr map[store.Flag]error
}

func newLifecycleGateway(sessions ...booking.Session) *fakeGateway {
	g := &fakeGateway{sessions: map[string]booking.Session{}, flagErr: map[store.Flag]error{}}
	for _, s := range sessions {
		g.sessions[s.ID] = s
	}
	return g
}

func (g *fakeGateway) byIDs(ids []string) []booking.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]booking.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := g.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (g *fakeGateway) UpcomingSessions(ctx context.Context, b, a time.Duration) ([]booking.Session, error) {
	if g.scanErr != nil {
		return nil, g.scanErr
	}
	return g.byIDs(g.upcoming), nil
}

func (g *fakeGateway) ActiveSessions(ctx context.Context) ([]booking.Session, error) {
	if g.scanErr != nil {
		return nil, g.scanErr
	}
	return g.byIDs(g.active), nil
}

func (g *fakeGateway) EndedSessions(ctx context.Context, b time.Duration) ([]booking.Session, error) {
	if g.scanErr != nil {
		return nil, g.scanErr
	}
	return g.byIDs(g.ended), nil
}

func (g *fakeGateway) CancelledSessions(ctx context.Context) ([]booking.Session, error) {
	if g.scanErr != nil {
		return nil, g.scanErr
	}
	return g.byIDs(g.cancelled), nil
}

func (g *fakeGateway) GetSession(ctx context.Context, id string) (booking.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return booking.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (g *fakeGateway) update(id string, fn func(*booking.Session)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&s)
	g.sessions[id] = s
	return nil
}

func (g *fakeGateway) SetTextChannel(ctx context.Context, id, h string) error {
	return g.update(id, func(s *booking.Session) { s.TextChannelID = h })
}

func (g *fakeGateway) SetVoiceChannel(ctx context.Context, id, h string) error {
	return g.update(id, func(s *booking.Session) { s.VoiceChannelID = h })
}

func (g *fakeGateway) ClearTextChannel(ctx context.Context, id string) error {
	return g.update(id, func(s *booking.Session) { s.TextChannelID = "" })
}

func (g *fakeGateway) ClearVoiceChannel(ctx context.Context, id string) error {
	return g.update(id, func(s *booking.Session) { s.VoiceChannelID = "" })
}

func (g *fakeGateway) SetFlag(ctx context.Context, id string, flag store.Flag) error {
	g.mu.Lock()
	if err := g.flagErr[flag]; err != nil {
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()
	return g.update(id, func(s *booking.Session) {
		switch flag {
		case store.FlagReminder10:
			s.Flags.Reminder10Sent = true
		case store.FlagReminder5:
			s.Flags.Reminder5Sent = true
		case store.FlagReminder1:
			s.Flags.Reminder1Sent = true
		case store.FlagExtensionOffered:
			s.Flags.ExtensionOffered = true
		case store.FlagRatingPrompt:
			s.Flags.RatingPromptShown = true
		case store.FlagRatingCompleted:
			s.Flags.RatingCompleted = true
		case store.FlagCleanupDone:
			s.Flags.CleanupDone = true
		}
	})
}

func (g *fakeGateway) ExtendEnd(ctx context.Context, id string, inc time.Duration) (time.Time, error) {
	var end time.Time
	err := g.update(id, func(s *booking.Session) {
		s.End = s.End.Add(inc)
		s.ExtendedTimes++
		end = s.End
	})
	return end, err
}

func (g *fakeGateway) SetRatingFinalized(ctx context.Context, id string, at time.Time) error {
	return g.update(id, func(s *booking.Session) { s.RatingFinalizedAt = &at })
}

func (g *fakeGateway) InsertFeedback(ctx context.Context, e booking.FeedbackEntry) error { return nil }
func (g *fakeGateway) FeedbackForSession(ctx context.Context, id string) ([]booking.FeedbackEntry, error) {
	return nil, nil
}
func (g *fakeGateway) Ping(ctx context.Context) error { return nil }
func (g *fakeGateway) Close()                         {}

type fakeExec struct {
	mu         sync.Mutex
	textCalls  int
	voiceCalls int
	deleted    []string
	posts      []string
}

func (f *fakeExec) EnsureTextChannel(ctx context.Context, sessionID string, allow []string) (platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textCalls++
	return platform.Channel{ID: "text-" + sessionID, Kind: platform.KindText}, nil
}

func (f *fakeExec) EnsureVoiceChannel(ctx context.Context, sessionID string, allow []string, capacity int) (platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceCalls++
	return platform.Channel{ID: "voice-" + sessionID, Kind: platform.KindVoice}, nil
}

func (f *fakeExec) DeleteChannel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeExec) PostMessage(ctx context.Context, channelID string, msg platform.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, channelID)
	return fmt.Sprintf("msg-%d", len(f.posts)), nil
}

func (f *fakeExec) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

var baseTime = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func confirmedSession(id string, start, end time.Time) booking.Session {
	return booking.Session{
		ID:          id,
		RequesterID: "cust-1",
		ProviderID:  "prov-1",
		Category:    booking.CategorySingle,
		Start:       start,
		End:         end,
		Status:      booking.StatusConfirmed,
	}
}

func newTestService(t *testing.T, gw *fakeGateway, at time.Time) (*Service, *fakeExec) {
	t.Helper()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() { sup.Cancel() })
	exec := &fakeExec{}
	s := New(Config{}, gw, exec, dedup.NewMemory(), nil, nil, nil, sup, logx.Nop())
	s.now = func() time.Time { return at }
	return s, exec
}

func TestExecuteCreateTextOnce(t *testing.T) {
	t.Parallel()
	ses := confirmedSession("b1", baseTime.Add(3*time.Minute), baseTime.Add(63*time.Minute))
	gw := newLifecycleGateway(ses)
	s, exec := newTestService(t, gw, baseTime)

	if err := s.execute(context.Background(), "b1", engine.ActionCreateTextChannel); err != nil {
		t.Fatalf("execute error: %v", err)
	}
	if err := s.execute(context.Background(), "b1", engine.ActionCreateTextChannel); err != nil {
		t.Fatalf("second execute error: %v", err)
	}

	if exec.textCalls != 1 {
		t.Fatalf("textCalls = %d, want 1", exec.textCalls)
	}
	got, _ := gw.GetSession(context.Background(), "b1")
	if got.TextChannelID != "text-b1" {
		t.Fatalf("handle = %q, want text-b1", got.TextChannelID)
	}
}

func TestExecuteRechecksFreshState(t *testing.T) {
	t.Parallel()
	ses := confirmedSession("b1", baseTime.Add(3*time.Minute), baseTime.Add(63*time.Minute))
	ses.TextChannelID = "already-there"
	gw := newLifecycleGateway(ses)
	s, exec := newTestService(t, gw, baseTime)

	// A stale scan might still think creation is due; fresh state says no.
	if err := s.execute(context.Background(), "b1", engine.ActionCreateTextChannel); err != nil {
		t.Fatalf("execute error: %v", err)
	}
	if exec.textCalls != 0 {
		t.Fatalf("textCalls = %d, want 0 (handle already set)", exec.textCalls)
	}
}

func TestExecuteConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	ses := confirmedSession("b1", baseTime.Add(3*time.Minute), baseTime.Add(63*time.Minute))
	gw := newLifecycleGateway(ses)
	s, exec := newTestService(t, gw, baseTime)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = s.execute(context.Background(), "b1", engine.ActionCreateVoiceChannel)
		}()
	}
	close(start)
	wg.Wait()

	if exec.voiceCalls != 1 {
		t.Fatalf("voiceCalls = %d, want 1 (overlapping loops)", exec.voiceCalls)
	}
}

func TestExecuteMissingSessionIsTerminal(t *testing.T) {
	t.Parallel()
	gw := newLifecycleGateway()
	s, exec := newTestService(t, gw, baseTime)

	if err := s.execute(context.Background(), "ghost", engine.ActionCleanup); err != nil {
		t.Fatalf("execute error for deleted row: %v", err)
	}
	if exec.postCount() != 0 || len(exec.deleted) != 0 {
		t.Fatal("no external calls expected for a deleted row")
	}
}

func TestRemindersPassSetsFlags(t *testing.T) {
	t.Parallel()
	start := baseTime.Add(-56 * time.Minute)
	end := baseTime.Add(4 * time.Minute)
	ses := confirmedSession("b1", start, end)
	ses.TextChannelID = "text-b1"
	gw := newLifecycleGateway(ses)
	gw.active = []string{"b1"}
	s, exec := newTestService(t, gw, baseTime)

	s.remindersPass(context.Background())

	// 4 minutes from end of a 60-minute session: the 10m and 5m reminders and
	// the extension offer are due, the 1m reminder is not.
	if got := exec.postCount(); got != 3 {
		t.Fatalf("posts = %d, want 3", got)
	}
	got, _ := gw.GetSession(context.Background(), "b1")
	if !got.Flags.Reminder10Sent || !got.Flags.Reminder5Sent || !got.Flags.ExtensionOffered {
		t.Fatalf("flags = %+v, want 10m/5m/extension set", got.Flags)
	}
	if got.Flags.Reminder1Sent {
		t.Fatal("1m reminder must not fire 4 minutes out")
	}

	// Re-running the pass is a no-op: flags are persisted.
	s.remindersPass(context.Background())
	if got := exec.postCount(); got != 3 {
		t.Fatalf("posts after rerun = %d, want still 3", got)
	}
}

func TestWrapupPassTearsDownThenCleansUp(t *testing.T) {
	t.Parallel()
	start := baseTime.Add(-70 * time.Minute)
	end := baseTime.Add(-5 * time.Minute)
	ses := confirmedSession("b1", start, end)
	ses.TextChannelID = "text-b1"
	ses.VoiceChannelID = "voice-b1"
	ses.Flags.RatingPromptShown = true // rating already handled
	gw := newLifecycleGateway(ses)
	gw.ended = []string{"b1"}
	s, exec := newTestService(t, gw, baseTime)

	s.wrapupPass(context.Background())

	got, _ := gw.GetSession(context.Background(), "b1")
	if got.VoiceChannelID != "" {
		t.Fatal("voice handle should be cleared after end")
	}
	if len(exec.deleted) != 1 || exec.deleted[0] != "voice-b1" {
		t.Fatalf("deleted = %v, want [voice-b1]", exec.deleted)
	}
	if got.Flags.CleanupDone {
		t.Fatal("cleanup must not run 5 minutes after end without a finalized rating")
	}

	// Past the unconditional fallback the text channel goes too.
	s.now = func() time.Time { return end.Add(61 * time.Minute) }
	s.wrapupPass(context.Background())

	got, _ = gw.GetSession(context.Background(), "b1")
	if !got.Flags.CleanupDone {
		t.Fatal("cleanup should run after the fallback delay")
	}
	if got.TextChannelID != "" {
		t.Fatal("text handle should be cleared by cleanup")
	}
	if len(exec.deleted) != 2 {
		t.Fatalf("deleted = %v, want voice then text", exec.deleted)
	}
}

func TestWrapupPassCancelledSession(t *testing.T) {
	t.Parallel()
	ses := confirmedSession("b1", baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	ses.Status = booking.StatusCancelled
	ses.TextChannelID = "text-b1"
	ses.VoiceChannelID = "voice-b1"
	gw := newLifecycleGateway(ses)
	gw.cancelled = []string{"b1"}
	s, exec := newTestService(t, gw, baseTime)

	s.wrapupPass(context.Background())

	got, _ := gw.GetSession(context.Background(), "b1")
	if got.VoiceChannelID != "" || got.TextChannelID != "" {
		t.Fatalf("cancelled session should lose both handles, got %+v", got)
	}
	if !got.Flags.CleanupDone {
		t.Fatal("cancelled session should be cleaned up immediately")
	}
	if exec.postCount() != 0 {
		t.Fatal("cancelled sessions get no reminders or prompts")
	}
}

func TestPendingWriteFlushed(t *testing.T) {
	t.Parallel()
	start := baseTime.Add(-56 * time.Minute)
	end := baseTime.Add(4 * time.Minute)
	ses := confirmedSession("b1", start, end)
	ses.TextChannelID = "text-b1"
	ses.Flags.Reminder10Sent = true
	ses.Flags.ExtensionOffered = true
	gw := newLifecycleGateway(ses)
	gw.active = []string{"b1"}
	gw.flagErr[store.FlagReminder5] = fmt.Errorf("flag write: %w", store.ErrSkipRound)
	s, exec := newTestService(t, gw, baseTime)

	s.remindersPass(context.Background())
	if exec.postCount() != 1 {
		t.Fatalf("posts = %d, want 1 (5m reminder)", exec.postCount())
	}
	got, _ := gw.GetSession(context.Background(), "b1")
	if got.Flags.Reminder5Sent {
		t.Fatal("flag write should have failed")
	}

	// Store recovers; the next pass flushes the parked write without
	// re-posting the reminder.
	gw.mu.Lock()
	delete(gw.flagErr, store.FlagReminder5)
	gw.mu.Unlock()

	s.remindersPass(context.Background())
	if exec.postCount() != 1 {
		t.Fatalf("posts = %d, want still 1 (no duplicate send)", exec.postCount())
	}
	got, _ = gw.GetSession(context.Background(), "b1")
	if !got.Flags.Reminder5Sent {
		t.Fatal("parked flag write should have been flushed")
	}
}

func TestSkipRoundPublishesEvent(t *testing.T) {
	t.Parallel()
	gw := newLifecycleGateway()
	gw.scanErr = fmt.Errorf("upcoming: %w: conn refused", store.ErrSkipRound)

	sup := supervisor.New(context.Background())
	t.Cleanup(func() { sup.Cancel() })
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	exec := &fakeExec{}
	s := New(Config{}, gw, exec, dedup.NewMemory(), nil, nil, bus, sup, logx.Nop())
	s.now = func() time.Time { return baseTime }

	s.channelsPass(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeRoundSkipped {
			t.Fatalf("event = %s, want %s", ev.Type, eventbus.TypeRoundSkipped)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a round-skipped event")
	}
}

func TestEnsureChannelsInstantBooking(t *testing.T) {
	t.Parallel()
	// Instant booking created well before its start: lead collapse makes both
	// channels due immediately.
	ses := confirmedSession("b1", baseTime.Add(20*time.Minute), baseTime.Add(80*time.Minute))
	ses.Instant = true
	gw := newLifecycleGateway(ses)
	s, exec := newTestService(t, gw, baseTime)

	if err := s.EnsureChannels(context.Background(), "b1"); err != nil {
		t.Fatalf("EnsureChannels error: %v", err)
	}
	if exec.textCalls != 1 || exec.voiceCalls != 1 {
		t.Fatalf("calls = text:%d voice:%d, want 1/1", exec.textCalls, exec.voiceCalls)
	}
}

func TestApplyExtensionMovesEndAndRearms(t *testing.T) {
	t.Parallel()
	start := baseTime.Add(-55 * time.Minute)
	end := baseTime.Add(5 * time.Minute)
	ses := confirmedSession("b1", start, end)
	ses.TextChannelID = "text-b1"
	gw := newLifecycleGateway(ses)
	s, _ := newTestService(t, gw, baseTime)

	// Simulate the 5m reminder having fired this run.
	s.guard.Done("b1", string(engine.ActionReminder5))

	newEnd, err := s.ApplyExtension(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ApplyExtension error: %v", err)
	}
	if want := end.Add(engine.ExtensionIncrement); !newEnd.Equal(want) {
		t.Fatalf("newEnd = %v, want %v", newEnd, want)
	}
	got, _ := gw.GetSession(context.Background(), "b1")
	if got.ExtendedTimes != 1 {
		t.Fatalf("ExtendedTimes = %d, want 1", got.ExtendedTimes)
	}

	// The per-run claim was released so the reminder can fire again against
	// the new end.
	if !s.guard.Begin("b1", string(engine.ActionReminder5)) {
		t.Fatal("reminder claim should be released after extension")
	}
}

func TestApplyExtensionRejectsEndedSession(t *testing.T) {
	t.Parallel()
	ses := confirmedSession("b1", baseTime.Add(-2*time.Hour), baseTime.Add(-time.Hour))
	gw := newLifecycleGateway(ses)
	s, _ := newTestService(t, gw, baseTime)

	if _, err := s.ApplyExtension(context.Background(), "b1"); err == nil {
		t.Fatal("extending an ended session should fail")
	}
}

func TestTeardownForcesCleanup(t *testing.T) {
	t.Parallel()
	// Ended two minutes ago: neither cleanup clock has expired, but the
	// operator wants it gone now.
	ses := confirmedSession("b1", baseTime.Add(-62*time.Minute), baseTime.Add(-2*time.Minute))
	ses.TextChannelID = "text-b1"
	ses.VoiceChannelID = "voice-b1"
	ses.Flags.RatingPromptShown = true
	gw := newLifecycleGateway(ses)
	gw.ended = []string{"b1"}
	s, exec := newTestService(t, gw, baseTime)

	if err := s.Teardown(context.Background(), "b1"); err != nil {
		t.Fatalf("Teardown error: %v", err)
	}
	got, _ := gw.GetSession(context.Background(), "b1")
	if got.VoiceChannelID != "" || got.TextChannelID != "" || !got.Flags.CleanupDone {
		t.Fatalf("teardown incomplete: %+v", got)
	}
	if len(exec.deleted) != 2 {
		t.Fatalf("deleted = %v, want both channels", exec.deleted)
	}
}
