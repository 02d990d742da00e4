// Package pagination implements keyset cursors over (created_at, id) ordered listings.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 250
)

var ErrInvalidToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Size clamps the requested page size into [1, MaxPageSize].
func (p Pagination) Size() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

// Cursor points at the last row of the previous page. Rows strictly older come next.
type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

type wireCursor struct {
	ID string `json:"i"`
	At int64  `json:"t"`
}

func (c Cursor) Encode() string {
	raw, _ := json.Marshal(wireCursor{ID: c.ID.String(), At: c.CreatedAt.UTC().UnixNano()})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode returns nil for an empty token.
func Decode(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var wc wireCursor
	if err := json.Unmarshal(raw, &wc); err != nil {
		return nil, ErrInvalidToken
	}
	id, err := snowflake.ParseString(wc.ID)
	if err != nil || id <= 0 || wc.At <= 0 {
		return nil, ErrInvalidToken
	}
	return &Cursor{ID: id, CreatedAt: time.Unix(0, wc.At).UTC()}, nil
}

// Trim cuts a listing fetched with limit+1 rows down to limit and reports whether a next page
// exists. cursorOf builds the cursor for the last returned row.
func Trim[T any](rows []T, limit int, cursorOf func(T) Cursor) ([]T, PageInfo) {
	if limit <= 0 || len(rows) <= limit {
		return rows, PageInfo{}
	}
	rows = rows[:limit]
	return rows, PageInfo{
		HasMore:       true,
		NextPageToken: cursorOf(rows[len(rows)-1]).Encode(),
	}
}
