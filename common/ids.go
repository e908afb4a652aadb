package common

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// WorkspaceID derives the stable identifier used to key supervisor handles
// and process-registry records for a workspace. The id is a hash of the
// canonical absolute path so renames of intermediate symlinks do not leak
// duplicate handles.
func WorkspaceID(workspaceRoot string) string {
	canonical := workspaceRoot
	if abs, err := filepath.Abs(workspaceRoot); err == nil {
		canonical = abs
	}
	if resolved, err := filepath.EvalSymlinks(canonical); err == nil {
		canonical = resolved
	}
	canonical = filepath.Clean(canonical)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// UTCNow returns the current time in UTC truncated to whole milliseconds,
// the precision persisted across the stores.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FormatTimestamp renders a time in the ISO-8601 form shared by every
// on-disk artifact and database column: UTC with a fixed three-digit
// millisecond fraction, so the strings sort in time order.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTimestamp parses timestamps written by FormatTimestamp. The zero time
// and an error are returned for empty or malformed input.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
