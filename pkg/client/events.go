package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mycloud/mycloud/internal/logging"
)

// Event is one change to the owner's tree as sent on /files/events.
type Event struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ParentID  string `json:"parentId,omitempty"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

var errStreamClosed = errors.New("event stream closed")

// Events subscribes to tree changes, reconnecting with backoff until ctx
// is done. The returned channel is closed when Events stops.
func (c *Client) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 100)
	go c.eventLoop(ctx, out)
	return out
}

func (c *Client) eventLoop(ctx context.Context, out chan<- Event) {
	defer close(out)

	delay := reconnectMin
	for {
		err := c.streamEvents(ctx, out)
		if ctx.Err() != nil {
			return
		}
		logging.Warn("event stream lost, reconnecting",
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, reconnectMax)
	}
}

// streamEvents reads one connection until it ends. The token goes in the
// query because the server treats this route like a browser EventSource.
func (c *Client) streamEvents(ctx context.Context, out chan<- Event) error {
	path := "/files/events"
	if tok := c.token(); tok != "" {
		path += "?token=" + url.QueryEscape(tok)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The regular client's timeout would cut the stream.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				var ev Event
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					if ev.Type == "" {
						ev.Type = eventType
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			eventType, data = "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return errStreamClosed
}
