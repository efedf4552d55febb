package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

func newTestRouter(t *testing.T, store rowstore.Backend, feed *FeedHub) *httptest.Server {
	t.Helper()
	limiter := NewIPRateLimiter(RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000})
	ts := httptest.NewServer(NewRouter(RouterConfig{
		Store:          store,
		RateLimiter:    limiter,
		Feed:           feed,
		DisableLogging: true,
	}))
	t.Cleanup(func() {
		if feed != nil {
			feed.Close()
		}
		ts.Close()
		limiter.Stop()
	})
	return ts
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// TestHealth tests the liveness endpoint
func TestHealth(t *testing.T) {
	ts := newTestRouter(t, rowstore.NewMemoryStore(nil), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

// TestRoomEndpoints tests room creation, lookup and deactivation
func TestRoomEndpoints(t *testing.T) {
	ts := newTestRouter(t, rowstore.NewMemoryStore(nil), nil)

	var room game.Room
	if code := doJSON(t, "POST", ts.URL+"/api/rooms", CreateRoomRequest{RoomCode: "1234"}, &room); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if room.Code != "1234" || !room.IsActive {
		t.Errorf("Unexpected room %+v", room)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"duplicate", "POST", "/api/rooms", CreateRoomRequest{RoomCode: "1234"}, http.StatusConflict},
		{"short code", "POST", "/api/rooms", CreateRoomRequest{RoomCode: "12"}, http.StatusBadRequest},
		{"letters", "POST", "/api/rooms", CreateRoomRequest{RoomCode: "12ab"}, http.StatusBadRequest},
		{"get", "GET", "/api/rooms/1234", nil, http.StatusOK},
		{"get missing", "GET", "/api/rooms/9999", nil, http.StatusNotFound},
		{"deactivate", "POST", "/api/rooms/1234/deactivate", nil, http.StatusNoContent},
		{"deactivate missing", "POST", "/api/rooms/9999/deactivate", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doJSON(t, tt.method, ts.URL+tt.path, tt.body, nil); code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, code)
			}
		})
	}

	doJSON(t, "GET", ts.URL+"/api/rooms/1234", nil, &room)
	if room.IsActive {
		t.Error("Room should be inactive after deactivate")
	}
}

// TestPlayerEndpoints tests player insert, query, patch and delete
func TestPlayerEndpoints(t *testing.T) {
	ts := newTestRouter(t, rowstore.NewMemoryStore(nil), nil)

	m, _ := game.LookupMonster("the-king")
	var a game.Player
	if code := doJSON(t, "POST", ts.URL+"/api/players", game.NewPlayer("1234", "player_a", m), &a); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if a.ID == "" || a.MonsterName != "The King" {
		t.Errorf("Unexpected row %+v", a)
	}

	var b game.Player
	doJSON(t, "POST", ts.URL+"/api/players", game.NewPlayer("1234", "player_b", m), &b)

	var patched game.Player
	if code := doJSON(t, "PATCH", ts.URL+"/api/players/"+b.ID, game.PlayerUpdate{IsActive: game.Bool(false)}, &patched); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if patched.IsActive || patched.Health != game.DefaultMaxHealth {
		t.Errorf("Expected only is_active to change, got %+v", patched)
	}

	var rows []game.Player
	doJSON(t, "GET", ts.URL+"/api/players?room_code=1234", nil, &rows)
	if len(rows) != 2 || rows[0].ID != a.ID {
		t.Errorf("Expected both rows in creation order, got %+v", rows)
	}
	doJSON(t, "GET", ts.URL+"/api/players?room_code=1234&active=true", nil, &rows)
	if len(rows) != 1 || rows[0].ID != a.ID {
		t.Errorf("Expected only the active row, got %+v", rows)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"bad active flag", "GET", "/api/players?active=maybe", nil, http.StatusBadRequest},
		{"row without player id", "POST", "/api/players", game.Player{RoomCode: "1234", MaxHealth: 10}, http.StatusBadRequest},
		{"patch missing", "PATCH", "/api/players/nope", game.PlayerUpdate{Energy: game.Int(1)}, http.StatusNotFound},
		{"delete", "DELETE", "/api/players/" + b.ID, nil, http.StatusNoContent},
		{"delete again", "DELETE", "/api/players/" + b.ID, nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doJSON(t, tt.method, ts.URL+tt.path, tt.body, nil); code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, code)
			}
		})
	}

	resp, _ := http.Post(ts.URL+"/api/players", "application/json", strings.NewReader("{not json"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

// TestRateLimitMiddleware tests that bursts past the limit get 429
func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewIPRateLimiter(RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2})
	defer limiter.Stop()
	ts := httptest.NewServer(NewRouter(RouterConfig{
		Store:          rowstore.NewMemoryStore(nil),
		RateLimiter:    limiter,
		DisableLogging: true,
	}))
	defer ts.Close()

	var codes []int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}
	if stats := limiter.Stats(); stats["allowed"] != 2 || stats["rejected"] != 1 {
		t.Errorf("Unexpected limiter stats %v", stats)
	}
}

func feedURL(ts *httptest.Server, room string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/rooms/" + room + "/feed"
}

// TestFeedRelaysEvents tests that store writes reach a raw websocket client
func TestFeedRelaysEvents(t *testing.T) {
	store := rowstore.NewMemoryStore(nil)
	hub := NewFeedHub(FeedConfig{}, zap.NewNop())
	ts := newTestRouter(t, store, hub)

	conn, _, err := websocket.DefaultDialer.Dial(feedURL(ts, "1234"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	m, _ := game.LookupMonster("kraken")
	row, _ := store.InsertPlayer(context.Background(), game.NewPlayer("1234", "player_a", m))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev rowstore.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Kind != rowstore.EventInsert || ev.New == nil || ev.New.ID != row.ID {
		t.Errorf("Expected insert of %s, got %+v", row.ID, ev)
	}
	if hub.Count() != 1 {
		t.Errorf("Expected 1 open feed, got %d", hub.Count())
	}
}

// TestFeedUpstreamClose tests the close frame sent when the subscription drops
func TestFeedUpstreamClose(t *testing.T) {
	broker := rowstore.NewLocalBroker(0)
	hub := NewFeedHub(FeedConfig{}, zap.NewNop())
	ts := newTestRouter(t, rowstore.NewMemoryStore(broker), hub)

	conn, _, err := websocket.DefaultDialer.Dial(feedURL(ts, "1234"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	broker.Disconnect("1234", rowstore.ErrSlowSubscriber)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseTryAgainLater {
		t.Fatalf("Expected try-again-later close, got %v", err)
	}
	if !strings.Contains(ce.Text, rowstore.ErrSlowSubscriber.Error()) {
		t.Errorf("Expected reason in close text, got %q", ce.Text)
	}
}

// TestTruncateReason tests close reasons are cut on a rune boundary
func TestTruncateReason(t *testing.T) {
	long := strings.Repeat("é", 100) // 200 bytes

	tests := []struct {
		in   string
		max  int
		want int
	}{
		{"short", 120, 5},
		{long, 120, 120},
		{long, 121, 120},
		{"a" + long, 120, 119},
		{long, 1, 0},
	}
	for _, tt := range tests {
		got := truncateReason(tt.in, tt.max)
		if len(got) != tt.want {
			t.Errorf("truncateReason(len %d, %d): expected %d bytes, got %d", len(tt.in), tt.max, tt.want, len(got))
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncateReason(len %d, %d) split a rune: %q", len(tt.in), tt.max, got)
		}
	}
}

// TestFeedLimits tests the per-IP cap and the origin check
func TestFeedLimits(t *testing.T) {
	hub := NewFeedHub(FeedConfig{MaxPerIP: 1, Origins: []string{"https://mats.example"}}, zap.NewNop())
	ts := newTestRouter(t, rowstore.NewMemoryStore(nil), hub)

	first, _, err := websocket.DefaultDialer.Dial(feedURL(ts, "1234"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(feedURL(ts, "1234"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429 for second feed from one IP, got %v", err)
	}

	first.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.limiter.Count("127.0.0.1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Per-IP slot was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(feedURL(ts, "1234"), header)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 for foreign origin, got %v", err)
	}

	header.Set("Origin", "https://mats.example")
	ok, _, err := websocket.DefaultDialer.Dial(feedURL(ts, "1234"), header)
	if err != nil {
		t.Fatalf("Expected allowed origin to connect, got %v", err)
	}
	ok.Close()
}

// TestStatusFor tests error to status mapping
func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{rowstore.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", rowstore.ErrDuplicateRoom), http.StatusConflict},
		{rowstore.ErrInvalidRow, http.StatusBadRequest},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, expected %d", tt.err, got, tt.want)
		}
	}
}
