package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/razat249/king-of-tokyo-player-mats/internal/rowstore"
)

const (
	JournalBufferSize   = 1024                   // Ring buffer slots
	MaxJournalPerSec    = 2000                   // Global rate limit
	MaxJournalPerRoom   = 200                    // Per-room rate limit per second
	JournalFlushSize    = 64                     // Entries per batch write
	JournalFlushEvery   = 100 * time.Millisecond // How often to flush
	RoomLimiterLifetime = 5 * time.Minute        // Idle room limiters are dropped after this
)

// JournalEntry is one received change event as written to disk.
type JournalEntry struct {
	Sequence  uint64         `json:"seq"`
	Timestamp int64          `json:"ts"` // Unix nano
	Room      string         `json:"room"`
	Event     rowstore.Event `json:"event"`
}

// Journal records received feed events as newline-delimited JSON. It is
// bounded and rate limited: when the writer falls behind the oldest entries
// are overwritten, and a flood from one room cannot starve the others.
type Journal struct {
	buffer    [JournalBufferSize]JournalEntry
	bufMu     sync.Mutex
	writeHead uint64
	readHead  uint64

	globalLimiter *rate.Limiter
	roomLimiters  sync.Map // map[string]*roomLimiterEntry

	writerWg sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	out   io.Writer
	file  *os.File
	outMu sync.Mutex

	droppedCount uint64 // atomic
	totalCount   uint64 // atomic
}

type roomLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed atomic.Int64 // unix nano
}

// NewJournal creates a journal that is not yet writing.
func NewJournal() *Journal {
	return &Journal{
		globalLimiter: rate.NewLimiter(MaxJournalPerSec, MaxJournalPerSec/10),
		stopChan:      make(chan struct{}),
	}
}

// OpenJournal creates a journal appending to path and starts it.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := NewJournal()
	j.file = file
	j.Start(file)
	return j, nil
}

// Start begins the async writer on w.
func (j *Journal) Start(w io.Writer) {
	if !j.running.CompareAndSwap(false, true) {
		return
	}
	j.out = w
	j.writerWg.Add(2)
	go j.writerLoop()
	go j.cleanupLoop()
}

// Stop flushes pending entries and closes the file, if any.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		wasRunning := j.running.Swap(false)
		close(j.stopChan)
		if wasRunning {
			j.writerWg.Wait()
		}

		j.outMu.Lock()
		if j.file != nil {
			j.file.Close()
		}
		j.outMu.Unlock()
	})
}

// Record queues ev. It returns false when the entry was rate limited or the
// journal is not running.
func (j *Journal) Record(room string, ev rowstore.Event) bool {
	if j == nil || !j.running.Load() {
		return false
	}

	if !j.globalLimiter.Allow() || !j.roomLimiter(room).Allow() {
		atomic.AddUint64(&j.droppedCount, 1)
		return false
	}

	j.bufMu.Lock()
	j.writeHead++
	if j.writeHead-j.readHead > JournalBufferSize {
		// Overwrite the oldest slot.
		j.readHead++
		atomic.AddUint64(&j.droppedCount, 1)
	}
	j.buffer[j.writeHead%JournalBufferSize] = JournalEntry{
		Sequence:  j.writeHead,
		Timestamp: time.Now().UnixNano(),
		Room:      room,
		Event:     ev,
	}
	j.bufMu.Unlock()

	atomic.AddUint64(&j.totalCount, 1)
	return true
}

func (j *Journal) roomLimiter(room string) *rate.Limiter {
	now := time.Now().UnixNano()
	if entry, ok := j.roomLimiters.Load(room); ok {
		e := entry.(*roomLimiterEntry)
		e.lastUsed.Store(now)
		return e.limiter
	}

	entry := &roomLimiterEntry{limiter: rate.NewLimiter(MaxJournalPerRoom, MaxJournalPerRoom/10)}
	entry.lastUsed.Store(now)
	actual, _ := j.roomLimiters.LoadOrStore(room, entry)
	return actual.(*roomLimiterEntry).limiter
}

func (j *Journal) writerLoop() {
	defer j.writerWg.Done()

	ticker := time.NewTicker(JournalFlushEvery)
	defer ticker.Stop()

	batch := make([]JournalEntry, 0, JournalFlushSize)
	for {
		select {
		case <-j.stopChan:
			for {
				batch = j.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				j.flushBatch(batch)
			}
		case <-ticker.C:
			batch = j.collectBatch(batch[:0])
			if len(batch) > 0 {
				j.flushBatch(batch)
			}
		}
	}
}

func (j *Journal) cleanupLoop() {
	defer j.writerWg.Done()

	ticker := time.NewTicker(RoomLimiterLifetime)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-RoomLimiterLifetime).UnixNano()
			j.roomLimiters.Range(func(key, value interface{}) bool {
				if value.(*roomLimiterEntry).lastUsed.Load() < cutoff {
					j.roomLimiters.Delete(key)
				}
				return true
			})
		}
	}
}

func (j *Journal) collectBatch(batch []JournalEntry) []JournalEntry {
	j.bufMu.Lock()
	defer j.bufMu.Unlock()

	for j.readHead < j.writeHead && len(batch) < JournalFlushSize {
		j.readHead++
		batch = append(batch, j.buffer[j.readHead%JournalBufferSize])
	}
	return batch
}

func (j *Journal) flushBatch(batch []JournalEntry) {
	j.outMu.Lock()
	defer j.outMu.Unlock()

	if j.out == nil {
		return
	}
	for _, entry := range batch {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		j.out.Write(append(data, '\n'))
	}
}

// Stats returns journal counters.
func (j *Journal) Stats() (total, dropped uint64) {
	return atomic.LoadUint64(&j.totalCount), atomic.LoadUint64(&j.droppedCount)
}

// ReadJournal decodes a journal written by Journal. A truncated final line
// ends the read without error.
func ReadJournal(r io.Reader) ([]JournalEntry, error) {
	dec := json.NewDecoder(r)
	var entries []JournalEntry
	for {
		var entry JournalEntry
		err := dec.Decode(&entry)
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return entries, nil
		}
		if err != nil {
			return entries, fmt.Errorf("journal entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
}

// EventsFor returns the events of room in journal order.
func EventsFor(entries []JournalEntry, room string) []rowstore.Event {
	var out []rowstore.Event
	for _, e := range entries {
		if e.Room == room {
			out = append(out, e.Event)
		}
	}
	return out
}
