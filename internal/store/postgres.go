package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pairbot/internal/booking"
	logx "pairbot/pkg/logx"
)

// Postgres implements Gateway against the application's schema
// (Booking/Schedule/Customer/Partner/User plus booking_feedback).
type Postgres struct {
	pool *pgxpool.Pool
	cfg  Config
	log  logx.Logger
}

func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (*Postgres, error) {
	if cfg.URL == "" {
		return nil, errors.New("store: database URL is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	return &Postgres{pool: pool, cfg: cfg, log: log}, nil
}

func (g *Postgres) Ping(ctx context.Context) error { return g.pool.Ping(ctx) }
func (g *Postgres) Close()                         { g.pool.Close() }

// withRetry runs fn in a bounded scope. Connectivity-class failures get one
// reconnect-and-retry; if still failing, the caller receives ErrSkipRound so
// the poll loop drops the round instead of crashing. Non-connectivity errors
// surface unchanged.
func (g *Postgres) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	run := func() error {
		opCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
		defer cancel()
		return fn(opCtx)
	}

	err := run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !isConnectivity(err) {
		g.log.Warn("store operation failed", logx.String("op", op), logx.Err(err))
		return err
	}

	g.log.Warn("store connectivity error, reconnecting", logx.String("op", op), logx.Err(err))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}
	// The pool re-establishes connections lazily; Ping forces it.
	{
		pingCtx, cancel := context.WithTimeout(ctx, g.cfg.OpTimeout)
		_ = g.pool.Ping(pingCtx)
		cancel()
	}

	if err = run(); err == nil {
		return nil
	}
	if !isConnectivity(err) {
		return err
	}
	g.log.Error("store still unreachable, skipping round", logx.String("op", op), logx.Err(err))
	return fmt.Errorf("%s: %w: %v", op, ErrSkipRound, err)
}

const sessionColumns = `
	b.id, b.status, b."bookingType", b."isInstantBooking",
	cu.discord, pu.discord,
	s."startTime", s."endTime",
	b."textChannelId", b."voiceChannelId",
	b."tenMinuteReminderShown", b."fiveMinuteReminderShown", b."oneMinuteReminderShown",
	b."extensionOfferShown", b."ratingPromptShown", b."ratingCompleted", b."cleanupDone",
	b."extendedTimes", b."ratingFinalizedAt"`

const sessionJoins = `
	FROM "Booking" b
	JOIN "Schedule" s ON s.id = b."scheduleId"
	JOIN "Customer" c ON c.id = b."customerId"
	JOIN "User" cu ON cu.id = c."userId"
	JOIN "Partner" p ON p.id = s."partnerId"
	JOIN "User" pu ON pu.id = p."userId"`

func scanSession(row pgx.Row) (booking.Session, error) {
	var (
		ses             booking.Session
		status          string
		category        string
		text, voice     *string
		ratingFinalized *time.Time
	)
	err := row.Scan(
		&ses.ID, &status, &category, &ses.Instant,
		&ses.RequesterID, &ses.ProviderID,
		&ses.Start, &ses.End,
		&text, &voice,
		&ses.Flags.Reminder10Sent, &ses.Flags.Reminder5Sent, &ses.Flags.Reminder1Sent,
		&ses.Flags.ExtensionOffered, &ses.Flags.RatingPromptShown, &ses.Flags.RatingCompleted, &ses.Flags.CleanupDone,
		&ses.ExtendedTimes, &ratingFinalized,
	)
	if err != nil {
		return booking.Session{}, err
	}
	ses.Status = booking.Status(status)
	ses.Category = booking.Category(category)
	if text != nil {
		ses.TextChannelID = *text
	}
	if voice != nil {
		ses.VoiceChannelID = *voice
	}
	ses.RatingFinalizedAt = ratingFinalized
	return ses, nil
}

func (g *Postgres) querySessions(ctx context.Context, op, where string, args ...any) ([]booking.Session, error) {
	var out []booking.Session
	err := g.withRetry(ctx, op, func(ctx context.Context) error {
		rows, err := g.pool.Query(ctx, "SELECT"+sessionColumns+sessionJoins+" WHERE "+where, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			ses, err := scanSession(rows)
			if err != nil {
				return err
			}
			out = append(out, ses)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	// Group/multiplayer sessions carry extra members beyond the pair.
	for i := range out {
		if out[i].Category == booking.CategorySingle {
			continue
		}
		extras, err := g.extraMembers(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Extras = extras
	}
	return out, nil
}

func (g *Postgres) extraMembers(ctx context.Context, id string) ([]string, error) {
	var out []string
	err := g.withRetry(ctx, "extra_members", func(ctx context.Context) error {
		rows, err := g.pool.Query(ctx,
			`SELECT u.discord FROM "BookingMember" m JOIN "User" u ON u.id = m."userId" WHERE m."bookingId" = $1`,
			id)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var d string
			if err := rows.Scan(&d); err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func (g *Postgres) UpcomingSessions(ctx context.Context, lookBehind, lookAhead time.Duration) ([]booking.Session, error) {
	return g.querySessions(ctx, "upcoming_sessions",
		`b.status = 'CONFIRMED'
		 AND s."startTime" BETWEEN now() - make_interval(secs => $1) AND now() + make_interval(secs => $2)
		 AND (b."textChannelId" IS NULL OR b."voiceChannelId" IS NULL)
		 ORDER BY s."startTime" ASC`,
		lookBehind.Seconds(), lookAhead.Seconds())
}

func (g *Postgres) ActiveSessions(ctx context.Context) ([]booking.Session, error) {
	return g.querySessions(ctx, "active_sessions",
		`b.status = 'CONFIRMED'
		 AND s."startTime" <= now() AND s."endTime" > now()
		 ORDER BY s."endTime" ASC`)
}

func (g *Postgres) EndedSessions(ctx context.Context, lookBehind time.Duration) ([]booking.Session, error) {
	return g.querySessions(ctx, "ended_sessions",
		`b.status IN ('CONFIRMED','COMPLETED')
		 AND s."endTime" <= now()
		 AND s."endTime" > now() - make_interval(secs => $1)
		 AND NOT b."cleanupDone"
		 ORDER BY s."endTime" ASC`,
		lookBehind.Seconds())
}

func (g *Postgres) CancelledSessions(ctx context.Context) ([]booking.Session, error) {
	return g.querySessions(ctx, "cancelled_sessions",
		`b.status = 'CANCELLED'
		 AND (b."textChannelId" IS NOT NULL OR b."voiceChannelId" IS NOT NULL)`)
}

func (g *Postgres) GetSession(ctx context.Context, id string) (booking.Session, error) {
	var ses booking.Session
	err := g.withRetry(ctx, "get_session", func(ctx context.Context) error {
		row := g.pool.QueryRow(ctx, "SELECT"+sessionColumns+sessionJoins+" WHERE b.id = $1", id)
		var err error
		ses, err = scanSession(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return booking.Session{}, err
	}
	if ses.Category != booking.CategorySingle {
		extras, err := g.extraMembers(ctx, ses.ID)
		if err != nil {
			return booking.Session{}, err
		}
		ses.Extras = extras
	}
	return ses, nil
}

func (g *Postgres) SetTextChannel(ctx context.Context, id, handle string) error {
	return g.exec(ctx, "set_text_channel",
		`UPDATE "Booking" SET "textChannelId" = $2 WHERE id = $1`, id, handle)
}

func (g *Postgres) SetVoiceChannel(ctx context.Context, id, handle string) error {
	return g.exec(ctx, "set_voice_channel",
		`UPDATE "Booking" SET "voiceChannelId" = $2 WHERE id = $1`, id, handle)
}

func (g *Postgres) ClearTextChannel(ctx context.Context, id string) error {
	return g.exec(ctx, "clear_text_channel",
		`UPDATE "Booking" SET "textChannelId" = NULL WHERE id = $1`, id)
}

func (g *Postgres) ClearVoiceChannel(ctx context.Context, id string) error {
	return g.exec(ctx, "clear_voice_channel",
		`UPDATE "Booking" SET "voiceChannelId" = NULL WHERE id = $1`, id)
}

// flagColumns whitelists the writable progress-flag columns.
var flagColumns = map[Flag]string{
	FlagReminder10:       `"tenMinuteReminderShown"`,
	FlagReminder5:        `"fiveMinuteReminderShown"`,
	FlagReminder1:        `"oneMinuteReminderShown"`,
	FlagExtensionOffered: `"extensionOfferShown"`,
	FlagRatingPrompt:     `"ratingPromptShown"`,
	FlagRatingCompleted:  `"ratingCompleted"`,
	FlagCleanupDone:      `"cleanupDone"`,
}

func (g *Postgres) SetFlag(ctx context.Context, id string, flag Flag) error {
	col, ok := flagColumns[flag]
	if !ok {
		return fmt.Errorf("store: unknown flag %q", flag)
	}
	return g.exec(ctx, "set_flag_"+string(flag),
		`UPDATE "Booking" SET `+col+` = TRUE WHERE id = $1`, id)
}

func (g *Postgres) ExtendEnd(ctx context.Context, id string, increment time.Duration) (time.Time, error) {
	var newEnd time.Time
	err := g.withRetry(ctx, "extend_end", func(ctx context.Context) error {
		tx, err := g.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`UPDATE "Schedule" SET "endTime" = "endTime" + make_interval(secs => $2)
			 WHERE id = (SELECT "scheduleId" FROM "Booking" WHERE id = $1)
			 RETURNING "endTime"`,
			id, increment.Seconds()).Scan(&newEnd)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE "Booking" SET "extendedTimes" = "extendedTimes" + 1 WHERE id = $1`, id); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return time.Time{}, err
	}
	return newEnd, nil
}

func (g *Postgres) SetRatingFinalized(ctx context.Context, id string, at time.Time) error {
	return g.exec(ctx, "set_rating_finalized",
		`UPDATE "Booking" SET "ratingFinalizedAt" = $2 WHERE id = $1 AND "ratingFinalizedAt" IS NULL`,
		id, at)
}

func (g *Postgres) InsertFeedback(ctx context.Context, e booking.FeedbackEntry) error {
	return g.exec(ctx, "insert_feedback",
		`INSERT INTO booking_feedback (id, booking_id, submitter_id, rating, comment, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (booking_id, submitter_id) DO NOTHING`,
		e.ID, e.SessionID, e.SubmitterID, e.Rating, e.Comment, e.SubmittedAt)
}

func (g *Postgres) FeedbackForSession(ctx context.Context, id string) ([]booking.FeedbackEntry, error) {
	var out []booking.FeedbackEntry
	err := g.withRetry(ctx, "feedback_for_session", func(ctx context.Context) error {
		rows, err := g.pool.Query(ctx,
			`SELECT id, booking_id, submitter_id, rating, COALESCE(comment, ''), submitted_at
			 FROM booking_feedback WHERE booking_id = $1 ORDER BY submitted_at ASC`,
			id)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var e booking.FeedbackEntry
			if err := rows.Scan(&e.ID, &e.SessionID, &e.SubmitterID, &e.Rating, &e.Comment, &e.SubmittedAt); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Postgres) exec(ctx context.Context, op, sql string, args ...any) error {
	return g.withRetry(ctx, op, func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, sql, args...)
		return err
	})
}
