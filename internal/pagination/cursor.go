// Package pagination implements opaque keyset cursors for list endpoints.
// A cursor names the (created_at, id) position of the last row the client
// saw; the next page is everything strictly before it.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errBadCursor = errors.New("invalid cursor")

// Cursor is a position in a created_at-descending listing.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// String renders the cursor in its opaque wire form.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "." + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse reads a wire-form cursor. An empty string is a nil cursor, not
// an error: it means "from the top".
func Parse(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadCursor
	}
	nanos, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, errBadCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", errBadCursor)
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Page trims an overfetched slice down to limit and derives the follow-up
// cursor. Callers fetch limit+1 rows; a full overfetch proves there is at
// least one more page.
func Page[T any](items []T, limit int, key func(T) Cursor) (page []T, next string, more bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	return page, key(page[len(page)-1]).String(), true
}
