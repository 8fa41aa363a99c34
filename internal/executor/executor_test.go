package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pairbot/internal/platform"
	logx "pairbot/pkg/logx"
)

// fakeClient scripts platform responses per call.
type fakeClient struct {
	channels map[string]platform.Channel // name -> existing channel

	createCalls int
	findCalls   int
	deleteCalls int
	postCalls   int

	// rateLimitFirst makes the first N calls of any kind fail with a
	// rate-limit error.
	rateLimitFirst int
	retryAfter     time.Duration

	deleteErr error
}

func (f *fakeClient) limited() error {
	if f.rateLimitFirst > 0 {
		f.rateLimitFirst--
		return &platform.RateLimitError{RetryAfter: f.retryAfter}
	}
	return nil
}

func (f *fakeClient) CreateTextChannel(ctx context.Context, name string, allow []string, parent string) (platform.Channel, error) {
	f.createCalls++
	if err := f.limited(); err != nil {
		return platform.Channel{}, err
	}
	ch := platform.Channel{ID: fmt.Sprintf("chan-%d", f.createCalls), Name: name, Kind: platform.KindText}
	return ch, nil
}

func (f *fakeClient) CreateVoiceChannel(ctx context.Context, name string, allow []string, parent string, capacity int) (platform.Channel, error) {
	f.createCalls++
	if err := f.limited(); err != nil {
		return platform.Channel{}, err
	}
	return platform.Channel{ID: fmt.Sprintf("voice-%d", f.createCalls), Name: name, Kind: platform.KindVoice}, nil
}

func (f *fakeClient) DeleteChannel(ctx context.Context, id string) error {
	f.deleteCalls++
	if err := f.limited(); err != nil {
		return err
	}
	return f.deleteErr
}

func (f *fakeClient) PostMessage(ctx context.Context, channelID string, msg platform.Message) (string, error) {
	f.postCalls++
	if err := f.limited(); err != nil {
		return "", err
	}
	return "msg-1", nil
}

func (f *fakeClient) FindChannelByName(ctx context.Context, parent, name string) (platform.Channel, bool, error) {
	f.findCalls++
	if err := f.limited(); err != nil {
		return platform.Channel{}, false, err
	}
	ch, ok := f.channels[name]
	return ch, ok, nil
}

func newTestExecutor(t *testing.T, client platform.Client) (*Executor, *[]time.Duration) {
	t.Helper()
	e := New(Config{RatePerSec: 1000}, client, logx.Nop())
	var sleeps []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return e, &sleeps
}

func TestEnsureTextChannelCreates(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	e, _ := newTestExecutor(t, fc)

	ch, err := e.EnsureTextChannel(context.Background(), "booking-1", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("EnsureTextChannel error: %v", err)
	}
	if ch.ID == "" {
		t.Fatal("expected a channel id")
	}
	if fc.findCalls != 1 || fc.createCalls != 1 {
		t.Fatalf("calls = find:%d create:%d, want 1/1", fc.findCalls, fc.createCalls)
	}
}

func TestEnsureTextChannelAdoptsExisting(t *testing.T) {
	t.Parallel()
	name := ChannelName("booking-1", platform.KindText)
	fc := &fakeClient{channels: map[string]platform.Channel{
		name: {ID: "existing", Name: name},
	}}
	e, _ := newTestExecutor(t, fc)

	ch, err := e.EnsureTextChannel(context.Background(), "booking-1", nil)
	if err != nil {
		t.Fatalf("EnsureTextChannel error: %v", err)
	}
	if ch.ID != "existing" {
		t.Fatalf("adopted id = %s, want existing", ch.ID)
	}
	if fc.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0 (adoption)", fc.createCalls)
	}
}

func TestRateLimitRetryUsesServerWait(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{rateLimitFirst: 2, retryAfter: 3 * time.Second}
	e, sleeps := newTestExecutor(t, fc)

	if _, err := e.PostMessage(context.Background(), "c1", platform.Message{Body: "hi"}); err != nil {
		t.Fatalf("PostMessage error: %v", err)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*sleeps))
	}
	for _, d := range *sleeps {
		if d != 3*time.Second {
			t.Fatalf("sleep = %v, want 3s (server-indicated)", d)
		}
	}
}

func TestRateLimitWaitCapped(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{rateLimitFirst: 1, retryAfter: 10 * time.Minute}
	e, sleeps := newTestExecutor(t, fc)
	e.cfg.MaxRetryWait = 30 * time.Second

	if _, err := e.PostMessage(context.Background(), "c1", platform.Message{}); err != nil {
		t.Fatalf("PostMessage error: %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 30*time.Second {
		t.Fatalf("sleeps = %v, want one capped 30s wait", *sleeps)
	}
}

func TestRateLimitRetriesExhausted(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{rateLimitFirst: 100, retryAfter: time.Second}
	e, sleeps := newTestExecutor(t, fc)

	_, err := e.PostMessage(context.Background(), "c1", platform.Message{})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if _, ok := platform.IsRateLimit(err); !ok {
		t.Fatalf("error should wrap the rate-limit cause: %v", err)
	}
	if fc.postCalls != 3 {
		t.Fatalf("postCalls = %d, want 3 (default MaxAttempts)", fc.postCalls)
	}
	// Two waits between three attempts; the last failure returns immediately.
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %d, want 2", len(*sleeps))
	}
}

func TestNonRateLimitErrorPropagatesImmediately(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	fc := &fakeClient{deleteErr: boom}
	e, sleeps := newTestExecutor(t, fc)

	err := e.DeleteChannel(context.Background(), "c1")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(*sleeps) != 0 {
		t.Fatal("non-rate-limit errors must not back off")
	}
	if fc.deleteCalls != 1 {
		t.Fatalf("deleteCalls = %d, want 1 (no retry)", fc.deleteCalls)
	}
}

func TestDeleteChannelNotFoundIsNoOp(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{deleteErr: fmt.Errorf("gone: %w", platform.ErrNotFound)}
	e, _ := newTestExecutor(t, fc)

	if err := e.DeleteChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("already-gone delete should succeed, got %v", err)
	}
}

func TestChannelNameDeterministic(t *testing.T) {
	t.Parallel()
	a := ChannelName("booking-42", platform.KindText)
	b := ChannelName("booking-42", platform.KindText)
	if a != b {
		t.Fatalf("name not deterministic: %s vs %s", a, b)
	}
	if a == ChannelName("booking-43", platform.KindText) {
		t.Fatal("distinct sessions must get distinct names")
	}
	if a == ChannelName("booking-42", platform.KindVoice) {
		t.Fatal("text and voice names must differ")
	}
}
