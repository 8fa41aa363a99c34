// Package notifier posts operational summaries to the admin channel.
//
// It deliberately stays thin: content is assembled as structured
// platform.Message fields, delivery and rate limiting belong to the executor.
package notifier

import (
	"context"
	"fmt"
	"strings"

	"pairbot/internal/booking"
	"pairbot/internal/platform"
	"pairbot/internal/rating"
	logx "pairbot/pkg/logx"
)

// Poster is the slice of the executor the notifier needs.
type Poster interface {
	PostMessage(ctx context.Context, channelID string, msg platform.Message) (string, error)
}

type Config struct {
	// AdminChannelID receives summaries. Empty disables the notifier.
	AdminChannelID string
}

type Service struct {
	cfg  Config
	post Poster
	log  logx.Logger
}

func New(cfg Config, post Poster, log logx.Logger) *Service {
	return &Service{cfg: cfg, post: post, log: log}
}

func (s *Service) Enabled() bool { return s != nil && s.cfg.AdminChannelID != "" }

// SessionSummary is sent once after cleanup: who was paired, for how long,
// and how often the session was extended.
func (s *Service) SessionSummary(ctx context.Context, ses booking.Session) error {
	if !s.Enabled() {
		return nil
	}
	msg := platform.Message{
		Title: "Session record",
		Body:  fmt.Sprintf("%s | %d min | extended %dx", ses.ID, int(ses.Duration().Minutes()), ses.ExtendedTimes),
		Fields: []platform.MessageField{
			{Name: "participants", Value: mentions(ses.Participants())},
			{Name: "category", Value: string(ses.Category)},
		},
	}
	_, err := s.post.PostMessage(ctx, s.cfg.AdminChannelID, msg)
	return err
}

// RatingSummary implements rating.Notifier.
func (s *Service) RatingSummary(ctx context.Context, sum rating.Summary) error {
	if !s.Enabled() {
		return nil
	}
	msg := platform.Message{
		Title: "Rating summary",
		Body:  fmt.Sprintf("session %s", sum.Session.ID),
	}
	for _, e := range sum.Entries {
		v := fmt.Sprintf("%d/5", e.Rating)
		if e.Comment != "" {
			v += " | " + e.Comment
		}
		msg.Fields = append(msg.Fields, platform.MessageField{
			Name:  mention(e.SubmitterID),
			Value: v,
		})
	}
	for _, p := range sum.Unsubmitted {
		msg.Fields = append(msg.Fields, platform.MessageField{
			Name:  mention(p),
			Value: "no rating",
		})
	}
	_, err := s.post.PostMessage(ctx, s.cfg.AdminChannelID, msg)
	return err
}

func mention(id string) string { return "<@" + id + ">" }

func mentions(ids []string) string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, mention(id))
	}
	return strings.Join(out, " ")
}
