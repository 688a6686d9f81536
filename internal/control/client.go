package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/telemd/internal/buffer"
	"github.com/danmuck/telemd/internal/ingest"
	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/gorilla/websocket"
)

// Client talks to a control Server.
type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(addr string, timeout time.Duration) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("control: address required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("control: parse address %q: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Status(ctx context.Context) (ingest.Status, error) {
	var out ingest.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context) (ActionResult, error) {
	return c.action(ctx, "/start")
}

func (c *Client) Stop(ctx context.Context) (ActionResult, error) {
	return c.action(ctx, "/stop")
}

func (c *Client) Reset(ctx context.Context) (ActionResult, error) {
	return c.action(ctx, "/reset")
}

func (c *Client) action(ctx context.Context, path string) (ActionResult, error) {
	var out ActionResult
	err := c.do(ctx, http.MethodPost, path, nil, nil, &out)
	return out, err
}

// Save asks the server to write its buffer. An empty path uses the server's
// configured save path.
func (c *Client) Save(ctx context.Context, path string) (SaveResult, error) {
	var out SaveResult
	err := c.do(ctx, http.MethodPost, "/save", nil, SaveRequest{Path: path}, &out)
	return out, err
}

func (c *Client) Frames(ctx context.Context, offset, limit int) (int, []frame.Frame, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var page FramesPage
	if err := c.do(ctx, http.MethodGet, "/frames", q, nil, &page); err != nil {
		return 0, nil, err
	}
	return page.Total, page.FrameList(), nil
}

func (c *Client) Events(ctx context.Context, since uint64) ([]buffer.Event, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	var page EventsPage
	if err := c.do(ctx, http.MethodGet, "/events", q, nil, &page); err != nil {
		return nil, err
	}
	return page.Events, nil
}

// StreamEvents follows the websocket event stream, calling fn for each event
// until ctx is done or the server closes the stream.
func (c *Client) StreamEvents(ctx context.Context, since uint64, fn func(buffer.Event)) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events/stream"
	u.RawQuery = url.Values{"since": {strconv.FormatUint(since, 10)}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("control: dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev buffer.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("control: event stream: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("control: read %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			return fmt.Errorf("control: %s %s: %s (%d)", method, path, eb.Error, resp.StatusCode)
		}
		return fmt.Errorf("control: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("control: decode %s: %w", path, err)
	}
	return nil
}
