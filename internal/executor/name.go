package executor

import (
	"fmt"
	"hash/fnv"

	"pairbot/internal/platform"
)

// ChannelName derives the deterministic channel name for a session and kind.
//
// The name is the real cross-restart dedup guarantee: two overlapping polls
// (or a restarted process) always compute the same name, so the second caller
// adopts the first caller's channel instead of creating a duplicate.
func ChannelName(sessionID string, kind platform.ChannelKind) string {
	return fmt.Sprintf("pair-%s-%016x", kind, hashID(sessionID))
}

// hashID returns a stable 64-bit hash of a record id. Empty input returns 0.
func hashID(id string) uint64 {
	if id == "" {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
