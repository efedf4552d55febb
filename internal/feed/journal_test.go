package feed

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/razat249/king-of-tokyo-player-mats/internal/game"
	"github.com/razat249/king-of-tokyo-player-mats/internal/replica"
	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

// TestJournalRoundTrip tests that a recorded feed replays to the same state
func TestJournalRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	j := NewJournal()
	j.Start(&buf)

	created := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	a := game.Player{ID: "a", RoomCode: "1234", PlayerID: "p1", Health: 10, MaxHealth: 10, IsActive: true, CreatedAt: created}
	b := a
	b.ID, b.PlayerID, b.CreatedAt = "b", "p2", created.Add(time.Second)
	hurt := a
	hurt.Health = 6

	events := []rowstore.Event{
		rowstore.InsertEvent(a),
		rowstore.InsertEvent(b),
		rowstore.UpdateEvent(a, hurt),
		rowstore.DeleteEvent(b),
	}
	for _, ev := range events {
		if !j.Record("1234", ev) {
			t.Fatal("Record rejected an event")
		}
	}
	j.Record("5678", rowstore.InsertEvent(a))
	j.Stop()

	entries, err := ReadJournal(&buf)
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("Expected 5 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Errorf("Sequence not increasing at %d", i)
		}
	}

	replayed := replica.Replay(replica.Empty("1234"), EventsFor(entries, "1234"))
	if len(replayed.Players) != 1 || replayed.Players[0].Health != 6 {
		t.Errorf("Unexpected replayed state %+v", replayed.Players)
	}

	live := replica.Replay(replica.Empty("1234"), events)
	if !reflect.DeepEqual(live.Players, replayed.Players) {
		t.Errorf("Replay diverged from live events")
	}

	if total, dropped := j.Stats(); total != 5 || dropped != 0 {
		t.Errorf("Expected 5 total 0 dropped, got %d/%d", total, dropped)
	}
}

// TestJournalNotRunning tests that a stopped or nil journal records nothing
func TestJournalNotRunning(t *testing.T) {
	var nilJournal *Journal
	if nilJournal.Record("1234", rowstore.Event{}) {
		t.Error("Nil journal should not record")
	}

	j := NewJournal()
	if j.Record("1234", rowstore.Event{}) {
		t.Error("Unstarted journal should not record")
	}
	j.Stop()
}

// TestJournalOverflow tests that the ring keeps the newest entries
func TestJournalOverflow(t *testing.T) {
	j := NewJournal()
	j.globalLimiter = rate.NewLimiter(rate.Inf, 1)
	j.roomLimiters.Store("room", &roomLimiterEntry{limiter: rate.NewLimiter(rate.Inf, 1)})
	j.running.Store(true) // no writer: entries stay in the ring

	ev := rowstore.InsertEvent(game.Player{ID: "a"})
	for i := 0; i < JournalBufferSize+50; i++ {
		if !j.Record("room", ev) {
			t.Fatalf("Record %d rejected", i)
		}
	}

	batch := j.collectBatch(nil)
	if len(batch) != JournalFlushSize {
		t.Fatalf("Expected a full batch, got %d", len(batch))
	}
	if batch[0].Sequence != 51 {
		t.Errorf("Expected oldest surviving sequence 51, got %d", batch[0].Sequence)
	}
	if total, dropped := j.Stats(); total != JournalBufferSize+50 || dropped != 50 {
		t.Errorf("Expected %d total 50 dropped, got %d/%d", JournalBufferSize+50, total, dropped)
	}
}

// TestReadJournalTruncated tests tolerance of a partial trailing line
func TestReadJournalTruncated(t *testing.T) {
	input := `{"seq":1,"ts":1,"room":"1234","event":{"type":"INSERT","old":null,"new":{"id":"a"}}}
{"seq":2,"ts":2,"room":"1234","event":{"type":"UPD`

	entries, err := ReadJournal(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(entries) != 1 || entries[0].Event.RowID() != "a" {
		t.Errorf("Unexpected entries %+v", entries)
	}
}
