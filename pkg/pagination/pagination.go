// Package pagination implements opaque cursor pagination for keyset queries.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Constants
const (
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// Cursor marks a position in a (ended_at DESC, id DESC) keyset scan.
// The ID component breaks ties between rows sharing a timestamp.
type Cursor struct {
	EndedAt time.Time `json:"ended_at"`
	ID      uuid.UUID `json:"id"`
}

// Encode serializes the cursor to an opaque URL-safe token
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque token back into a cursor
func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	return &c, nil
}

// Params represents cursor pagination query parameters
type Params struct {
	Cursor *Cursor
	Limit  int
}

// ParseParams parses cursor/limit query parameters, clamping the limit
func ParseParams(cursorStr, limitStr string) (*Params, error) {
	limit := DefaultLimit
	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		if l < MinLimit {
			limit = MinLimit
		} else if l > MaxLimit {
			limit = MaxLimit
		} else {
			limit = l
		}
	}

	var cursor *Cursor
	if cursorStr != "" {
		c, err := DecodeCursor(cursorStr)
		if err != nil {
			return nil, err
		}
		cursor = c
	}

	return &Params{Cursor: cursor, Limit: limit}, nil
}

// Page represents one page of a cursor-paginated response
type Page struct {
	Data       interface{} `json:"data"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}

// BuildPage wraps a result slice; next is the cursor of the last returned
// row when more rows remain, nil otherwise
func BuildPage(data interface{}, next *Cursor) *Page {
	page := &Page{Data: data}
	if next != nil {
		page.NextCursor = next.Encode()
		page.HasMore = true
	}
	return page
}
