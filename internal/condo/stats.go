package condo

import (
	"bytes"
	"context"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

type countMemo struct {
	value int
	at    time.Time
	valid bool
}

// PaymentsCount returns the number of payments for the dashboard. The value
// is memoized for the stats TTL; callers arriving while it is fresh share it.
func (c *Client) PaymentsCount(ctx context.Context) (int, error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	now := c.now()
	if c.paymentsMemo.valid && now.Sub(c.paymentsMemo.at) < c.statsTTL {
		return c.paymentsMemo.value, nil
	}

	n, err := c.count(ctx, "/finanzas/pagos/")
	if err != nil {
		return 0, err
	}
	c.paymentsMemo = countMemo{value: n, at: now, valid: true}
	return n, nil
}

// count reads a paginated listing's count, falling back to the length of a
// plain array response.
func (c *Client) count(ctx context.Context, path string) (int, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, path, url.Values{"page": {"1"}}, &raw); err != nil {
		return 0, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return 0, decodeError(err)
		}
		return len(items), nil
	}

	var page struct {
		Count *int `json:"count"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return 0, decodeError(err)
	}
	if page.Count == nil {
		return 0, nil
	}
	return *page.Count, nil
}
