package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"nhooyr.io/websocket"
)

// Subscription selects the events streamed by SubscribeEvents. With Replay
// set the node first replays the log from From.
type Subscription struct {
	From   uint64
	Replay bool
	Type   string
}

func (c *Client) eventsURL(sub Subscription) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("rpcclient: parse endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/events"
	q := url.Values{}
	if sub.Replay {
		q.Set("from", strconv.FormatUint(sub.From, 10))
	}
	if sub.Type != "" {
		q.Set("type", sub.Type)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SubscribeEvents streams ledger events to fn until ctx is cancelled, the
// connection drops, or fn returns an error.
func (c *Client) SubscribeEvents(ctx context.Context, sub Subscription, fn func(EventRecord) error) error {
	target, err := c.eventsURL(sub)
	if err != nil {
		return err
	}
	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.authToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.authToken}}
	}
	conn, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		return fmt.Errorf("rpcclient: dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rpcclient: read event: %w", err)
		}
		var rec EventRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("rpcclient: decode event: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
