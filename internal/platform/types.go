// Package platform defines the contract against the external real-time
// collaboration platform. Everything here is a mutating remote call; rate
// limiting and retries are handled one layer up by the executor.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ChannelKind string

const (
	KindText  ChannelKind = "text"
	KindVoice ChannelKind = "voice"
)

// Channel is an external channel handle. Only the ID is persisted (on the
// session row); Name is used for deterministic-name adoption.
type Channel struct {
	ID       string
	Name     string
	Kind     ChannelKind
	ParentID string
}

// Message is structured content for PostMessage. Formatting/templating of the
// actual text lives outside this module; callers pass the pieces.
type Message struct {
	Title  string
	Body   string
	Fields []MessageField
}

type MessageField struct {
	Name  string
	Value string
}

// Client is the raw platform API surface.
//
// Any mutating call may fail with *RateLimitError carrying the server-indicated
// retry-after. Deletions of already-gone entities fail with ErrNotFound.
type Client interface {
	// CreateTextChannel creates a private text channel visible to the given
	// member ids, under the given parent category.
	CreateTextChannel(ctx context.Context, name string, allow []string, parent string) (Channel, error)

	// CreateVoiceChannel additionally caps the member count.
	CreateVoiceChannel(ctx context.Context, name string, allow []string, parent string, capacity int) (Channel, error)

	DeleteChannel(ctx context.Context, id string) error

	// PostMessage posts structured content to a channel and returns the
	// message id.
	PostMessage(ctx context.Context, channelID string, msg Message) (string, error)

	// FindChannelByName looks up a live channel of the given name under the
	// parent. Used for adoption before creating.
	FindChannelByName(ctx context.Context, parent, name string) (Channel, bool, error)
}

// ErrNotFound marks entities already gone on the platform side (deleted
// out-of-band). Callers treat it as a successful no-op for deletions.
var ErrNotFound = errors.New("platform: not found")

// RateLimitError is returned when the platform asks us to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform: rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimit reports whether err is (or wraps) a rate-limit response and
// returns the server-indicated wait.
func IsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsNotFound reports whether err means the entity no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
