// Package remote is a rowstore.Store that talks to the row store API over
// HTTP, with the change feed carried on a websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// ErrFeedLost wraps the reason a websocket feed ended unexpectedly.
var ErrFeedLost = errors.New("change feed connection lost")

// StatusError is a non-2xx API response. It unwraps to the matching
// rowstore sentinel where there is one.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("row store: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("row store: %d %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return rowstore.ErrNotFound
	case http.StatusConflict:
		return rowstore.ErrDuplicateRoom
	case http.StatusBadRequest:
		return rowstore.ErrInvalidRow
	}
	return nil
}

// Options configure a Client.
type Options struct {
	// BaseURL is the API root, e.g. http://localhost:8080.
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// FeedBuffer is the local event buffer per subscription.
	FeedBuffer int
	// FeedIdle is how long the feed may be silent before it is considered
	// dead. The server pings well inside it.
	FeedIdle time.Duration
	Logger   *zap.Logger
}

// Client implements rowstore.Store against a remote server.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	buffer int
	idle   time.Duration
	logger *zap.Logger
}

var _ rowstore.Store = (*Client)(nil)

// New creates a client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", opts.BaseURL)
	}

	c := &Client{
		base:   base,
		http:   opts.HTTPClient,
		dialer: opts.Dialer,
		buffer: opts.FeedBuffer,
		idle:   opts.FeedIdle,
		logger: opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.buffer <= 0 {
		c.buffer = rowstore.DefaultSubscriberBuffer
	}
	if c.idle <= 0 {
		c.idle = 90 * time.Second
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

func (c *Client) InsertRoom(ctx context.Context, code string) (game.Room, error) {
	var room game.Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", nil, map[string]string{"room_code": code}, &room)
	return room, err
}

func (c *Client) GetRoom(ctx context.Context, code string) (game.Room, error) {
	var room game.Room
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(code), nil, nil, &room)
	return room, err
}

func (c *Client) InsertPlayer(ctx context.Context, p game.Player) (game.Player, error) {
	var row game.Player
	err := c.do(ctx, http.MethodPost, "/api/players", nil, p, &row)
	return row, err
}

func (c *Client) UpdatePlayer(ctx context.Context, id string, u game.PlayerUpdate) (game.Player, error) {
	var row game.Player
	err := c.do(ctx, http.MethodPatch, "/api/players/"+url.PathEscape(id), nil, u, &row)
	return row, err
}

func (c *Client) QueryPlayers(ctx context.Context, f rowstore.PlayerFilter) ([]game.Player, error) {
	q := url.Values{}
	if f.RoomCode != "" {
		q.Set("room_code", f.RoomCode)
	}
	if f.PlayerID != "" {
		q.Set("player_id", f.PlayerID)
	}
	if f.ActiveOnly {
		q.Set("active", "true")
	}
	var rows []game.Player
	err := c.do(ctx, http.MethodGet, "/api/players", q, nil, &rows)
	return rows, err
}

// Subscribe dials the room's feed. The returned subscription ends when ctx
// is cancelled, on Close, or when the connection drops.
func (c *Client) Subscribe(ctx context.Context, room string) (rowstore.Subscription, error) {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/api/rooms/" + url.PathEscape(room) + "/feed"

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("subscribe %s: %w", room, readStatusError(resp))
		}
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}

	var feed *rowstore.Feed
	feed = rowstore.NewFeed(c.buffer, func() {
		// End first so pump treats the read error as a local close.
		feed.End(rowstore.ErrClosed)
		conn.Close()
	})
	feed.EndOnContext(ctx)
	go c.pump(conn, feed, room)
	return feed, nil
}

// pump decodes frames onto feed until the connection fails.
func (c *Client) pump(conn *websocket.Conn, feed *rowstore.Feed, room string) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(c.idle))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-feed.Done():
				// Closed from our side.
			default:
				feed.End(fmt.Errorf("%w: %v", ErrFeedLost, err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.idle))

		var ev rowstore.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Dropping undecodable feed frame",
				zap.String("room", room),
				zap.Error(err))
			continue
		}
		if !feed.Send(ev) {
			return
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := *c.base
	u.Path = u.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %w", method, path, readStatusError(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if json.Unmarshal(data, &body) != nil {
		body.Error = strings.TrimSpace(string(data))
	}
	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}
