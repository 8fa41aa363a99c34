// Package executor wraps every mutating platform call with rate-limit
// retry/backoff and deterministic-name-based adoption of pre-existing
// channels.
//
// Failure contract: after exhausting retries the action is abandoned for this
// pass and naturally retried on the next poll. The executor never panics the
// scheduler; non-rate-limit errors propagate to the caller for per-record
// isolation.
package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"pairbot/internal/platform"
	logx "pairbot/pkg/logx"
)

type Config struct {
	// MaxAttempts bounds rate-limit retries per call (initial try included).
	MaxAttempts int
	// MaxRetryWait caps the server-indicated retry-after sleep.
	MaxRetryWait time.Duration
	// RatePerSec throttles outbound mutating calls process-wide.
	RatePerSec int
	// ParentCategory is the platform category channels are created under.
	ParentCategory string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxRetryWait <= 0 {
		c.MaxRetryWait = 60 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	return c
}

type Executor struct {
	cfg     Config
	client  platform.Client
	limiter *rate.Limiter
	log     logx.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, client platform.Client, log logx.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureTextChannel returns the live text channel for the session, adopting a
// pre-existing one of the deterministic name before creating.
func (e *Executor) EnsureTextChannel(ctx context.Context, sessionID string, allow []string) (platform.Channel, error) {
	name := ChannelName(sessionID, platform.KindText)
	return e.ensureChannel(ctx, name, func(ctx context.Context) (platform.Channel, error) {
		return e.client.CreateTextChannel(ctx, name, allow, e.cfg.ParentCategory)
	})
}

// EnsureVoiceChannel is EnsureTextChannel for voice, with a member cap.
func (e *Executor) EnsureVoiceChannel(ctx context.Context, sessionID string, allow []string, capacity int) (platform.Channel, error) {
	name := ChannelName(sessionID, platform.KindVoice)
	return e.ensureChannel(ctx, name, func(ctx context.Context) (platform.Channel, error) {
		return e.client.CreateVoiceChannel(ctx, name, allow, e.cfg.ParentCategory, capacity)
	})
}

func (e *Executor) ensureChannel(ctx context.Context, name string, create func(ctx context.Context) (platform.Channel, error)) (platform.Channel, error) {
	// Adoption check first. Creation is the one action we must never duplicate.
	var adopted platform.Channel
	var found bool
	err := e.call(ctx, "find_channel", func(ctx context.Context) error {
		var err error
		adopted, found, err = e.client.FindChannelByName(ctx, e.cfg.ParentCategory, name)
		return err
	})
	if err != nil {
		return platform.Channel{}, err
	}
	if found {
		e.log.Debug("adopted existing channel", logx.String("name", name), logx.String("id", adopted.ID))
		return adopted, nil
	}

	var ch platform.Channel
	err = e.call(ctx, "create_channel", func(ctx context.Context) error {
		var err error
		ch, err = create(ctx)
		return err
	})
	if err != nil {
		return platform.Channel{}, err
	}
	return ch, nil
}

// DeleteChannel removes a channel; an already-gone channel is a no-op success.
func (e *Executor) DeleteChannel(ctx context.Context, id string) error {
	err := e.call(ctx, "delete_channel", func(ctx context.Context) error {
		return e.client.DeleteChannel(ctx, id)
	})
	if platform.IsNotFound(err) {
		e.log.Debug("channel already gone", logx.String("id", id))
		return nil
	}
	return err
}

// PostMessage posts structured content and returns the message id.
func (e *Executor) PostMessage(ctx context.Context, channelID string, msg platform.Message) (string, error) {
	var id string
	err := e.call(ctx, "post_message", func(ctx context.Context) error {
		var err error
		id, err = e.client.PostMessage(ctx, channelID, msg)
		return err
	})
	return id, err
}

// call runs fn under the process-wide limiter and retries rate-limit
// responses with the server-indicated wait (capped). Other errors propagate
// immediately.
func (e *Executor) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		wait, ok := platform.IsRateLimit(err)
		if !ok {
			return err
		}
		lastErr = err
		// No retry left to wait for.
		if attempt == e.cfg.MaxAttempts {
			break
		}
		if wait > e.cfg.MaxRetryWait {
			wait = e.cfg.MaxRetryWait
		}
		e.log.Warn("rate limited, backing off",
			logx.String("op", op),
			logx.Int("attempt", attempt),
			logx.Duration("wait", wait))
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}
