package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// normalize fills defaults and rejects malformed queries.
func (q *PageQuery) normalize() (PageQuery, error) {
	out := PageQuery{Limit: DefaultPageSize, Direction: Before}
	if q == nil {
		return out, nil
	}
	out.Cursor = q.Cursor
	if q.Limit > 0 {
		out.Limit = q.Limit
	}
	if out.Limit > MaxPageSize {
		out.Limit = MaxPageSize
	}
	switch q.Direction {
	case "":
	case Before, After:
		out.Direction = q.Direction
	default:
		return out, fmt.Errorf("%w: direction %q", ErrInvalidQuery, q.Direction)
	}
	if out.Cursor != "" {
		if _, err := ParseCursor(out.Cursor); err != nil {
			return out, fmt.Errorf("%w: cursor %q", ErrInvalidQuery, out.Cursor)
		}
	}
	return out, nil
}

func (q PageQuery) values() url.Values {
	v := url.Values{}
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("direction", string(q.Direction))
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return v
}

// FetchPage fetches one page of history. A nil query, or one without a
// cursor, returns the most recent page.
//
// The returned Content is always ascending by CreatedAt. On error nothing is
// returned; callers must not merge anything.
func (m *MessagesClient) FetchPage(ctx context.Context, roomID string, q *PageQuery) (*Page, error) {
	query, err := q.normalize()
	if err != nil {
		return nil, err
	}

	res, err := m.client.doRequest(ctx, http.MethodGet, roomPath(roomID, "messages"), nil, query.values())
	if err != nil {
		return nil, err
	}
	page, err := decodeData[Page](res)
	if err != nil {
		return nil, err
	}

	// The server already sorts; keep the guarantee even if it does not.
	sort.SliceStable(page.Content, func(i, j int) bool {
		return page.Content[i].CreatedAt.Before(page.Content[j].CreatedAt)
	})
	if n := len(page.Content); n > 0 {
		if page.NextCursor == "" {
			page.NextCursor = FormatCursor(page.Content[0].CreatedAt)
		}
		if page.PrevCursor == "" {
			page.PrevCursor = FormatCursor(page.Content[n-1].CreatedAt)
		}
	}
	m.client.log.Debug().
		Str("room", roomID).
		Str("direction", string(query.Direction)).
		Str("cursor", query.Cursor).
		Int("count", len(page.Content)).
		Bool("has_more", page.HasMore).
		Msg("fetched page")
	return page, nil
}
