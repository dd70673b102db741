// Package pagination implements opaque keyset cursors for list
// endpoints such as credit transaction history. A cursor encodes the
// (createdAt, id) of the last transaction on the previous page, so
// pages stay stable while new transactions are appended.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors a client did not get from
// us, including truncated or tampered ones.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the decoded position within a result set ordered by
// (CreatedAt desc, ID).
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs the position into a URL-safe opaque string.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor produced by Encode. Empty input means "first
// page" and yields a nil cursor with no error.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosStr, id, found := strings.Cut(string(raw), "|")
	if !found {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims items fetched with limit+1 down to the page size
// and, when more rows exist, builds the next cursor from the last item
// via key.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
