package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"askanna/internal/apperr"
)

// Page sizes for cursor pagination.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Cursor is a keyset position in a list ordered by (created_at DESC, suuid DESC).
// Reverse cursors walk towards newer rows.
type Cursor struct {
	CreatedAt time.Time `json:"c"`
	SUUID     string    `json:"s"`
	Reverse   bool      `json:"r,omitempty"`
}

// Encode returns the opaque URL-safe form of c.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses an opaque cursor.
func DecodeCursor(s string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, apperr.Validation("cursor", "malformed cursor")
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil || c.SUUID == "" {
		return nil, apperr.Validation("cursor", "malformed cursor")
	}
	return &c, nil
}

// ClampPageSize applies the default and maximum page size.
func ClampPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// RunPage is one page of runs plus the cursors to its neighbours.
type RunPage struct {
	Runs     []Run
	Next     *Cursor
	Previous *Cursor
}

// PageRuns builds a page from rows fetched with limit+1 in the cursor's direction.
// Rows of a reverse fetch arrive oldest first and are flipped back.
func PageRuns(rows []Run, cursor *Cursor, limit int) RunPage {
	reverse := cursor != nil && cursor.Reverse
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	if reverse {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	page := RunPage{Runs: rows}
	if len(rows) == 0 {
		return page
	}

	first, last := rows[0], rows[len(rows)-1]
	hasNext := hasMore
	hasPrev := cursor != nil
	if reverse {
		hasNext = true
		hasPrev = hasMore
	}
	if hasNext {
		page.Next = &Cursor{CreatedAt: last.CreatedAt, SUUID: last.SUUID}
	}
	if hasPrev {
		page.Previous = &Cursor{CreatedAt: first.CreatedAt, SUUID: first.SUUID, Reverse: true}
	}
	return page
}

func (c *Cursor) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s/%v", c.CreatedAt.Format(time.RFC3339Nano), c.SUUID, c.Reverse)
}
