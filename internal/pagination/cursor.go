// Package pagination implements the before-cursor paging used by the audit
// listing: a page ends with an opaque cursor, and the next request returns
// entries strictly older than it.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidCursor covers any cursor the service did not mint.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Before marks a position in a created_at-descending listing.
type Before struct {
	At time.Time
	ID string
}

// wireCursor is the encoded form; nanoseconds keep same-second entries
// ordered.
type wireCursor struct {
	T  int64  `json:"t"`
	ID string `json:"id"`
}

// String renders the cursor as an opaque URL-safe token.
func (b Before) String() string {
	raw, _ := json.Marshal(wireCursor{T: b.At.UnixNano(), ID: b.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseBefore decodes a cursor token. Empty input means "from the top" and
// yields a nil cursor.
func ParseBefore(s string) (*Before, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil || w.T == 0 {
		return nil, ErrInvalidCursor
	}
	return &Before{At: time.Unix(0, w.T).UTC(), ID: w.ID}, nil
}

// Page trims a slice fetched with limit+1 rows down to the page and derives
// the follow-up cursor from its last item. key extracts (createdAt, id).
func Page[T any](items []T, limit int, key func(T) (time.Time, string)) (trimmed []T, nextBefore string, hasMore bool) {
	if len(items) <= limit {
		return items, "", false
	}
	trimmed = items[:limit]
	at, id := key(trimmed[len(trimmed)-1])
	return trimmed, Before{At: at, ID: id}.String(), true
}
