package store

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSkipRound tells the caller to abandon the current poll iteration.
// It is returned after a connectivity-class failure survived the bounded
// reconnect-and-retry; the next iteration recomputes everything from
// persisted state, so skipping is safe.
var ErrSkipRound = errors.New("store: skip this round")

// ErrNotFound marks a missing session row.
var ErrNotFound = errors.New("store: not found")

// isConnectivity classifies failures that warrant a reconnect-and-retry:
// timeouts, resets, refused/unreachable, DNS, pool exhaustion and the
// Postgres class 08 (connection exception) errors. Everything else
// (constraint violations, bad SQL) is surfaced as-is.
func isConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. 57P01: admin shutdown.
		if strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" {
			return true
		}
		return false
	}

	// pgxpool reports exhaustion/closed pools as plain errors.
	msg := err.Error()
	if strings.Contains(msg, "closed pool") || strings.Contains(msg, "conn busy") {
		return true
	}
	return false
}
