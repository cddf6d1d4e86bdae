package provider

import (
	"fmt"
	"strings"
	"time"
)

// Cursor is a provider's incremental sync position. It is either a
// TokenCursor or a TimestampCursor and is serialized only at storage.
type Cursor interface {
	cursor()
}

// TokenCursor is an opaque server-issued position.
type TokenCursor struct {
	Token string
}

// TimestampCursor is the latest transaction time observed.
type TimestampCursor struct {
	At time.Time
}

func (TokenCursor) cursor()     {}
func (TimestampCursor) cursor() {}

const (
	tokenPrefix = "token:"
	tsPrefix    = "ts:"
)

// EncodeCursor renders c for the connection row. A nil cursor encodes to "".
func EncodeCursor(c Cursor) string {
	switch v := c.(type) {
	case TokenCursor:
		return tokenPrefix + v.Token
	case TimestampCursor:
		return tsPrefix + v.At.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// DecodeCursor is the inverse of EncodeCursor. Unprefixed values written by
// older builds decode as a timestamp when they parse as one, else as a token.
func DecodeCursor(s string) (Cursor, error) {
	switch {
	case s == "":
		return nil, nil
	case strings.HasPrefix(s, tokenPrefix):
		return TokenCursor{Token: strings.TrimPrefix(s, tokenPrefix)}, nil
	case strings.HasPrefix(s, tsPrefix):
		at, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(s, tsPrefix))
		if err != nil {
			return nil, fmt.Errorf("decode cursor %q: %w", s, err)
		}
		return TimestampCursor{At: at}, nil
	}
	if at, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return TimestampCursor{At: at}, nil
	}
	return TokenCursor{Token: s}, nil
}

// TokenOf returns the token of a TokenCursor, or "" for anything else.
func TokenOf(c Cursor) string {
	if t, ok := c.(TokenCursor); ok {
		return t.Token
	}
	return ""
}

// DateWindow resolves the fetch window of a date-range provider. The start is
// the cursor time when one is stored, else now minus lookback. The start is
// inclusive; the boundary transaction is fetched again and absorbed by dedup.
func DateWindow(c Cursor, now time.Time, lookback time.Duration) (from, to time.Time) {
	if ts, ok := c.(TimestampCursor); ok && !ts.At.IsZero() {
		return ts.At, now
	}
	return now.Add(-lookback), now
}

// NextTimestampCursor is the latest transaction time in txns, or prev when
// txns is empty.
func NextTimestampCursor(prev Cursor, txns []Transaction) Cursor {
	var latest time.Time
	for _, t := range txns {
		at := t.Timestamp
		if at.IsZero() {
			at = t.Date
		}
		if at.After(latest) {
			latest = at
		}
	}
	if latest.IsZero() {
		return prev
	}
	if ts, ok := prev.(TimestampCursor); ok && ts.At.After(latest) {
		return prev
	}
	return TimestampCursor{At: latest.UTC()}
}
