// Package telemetry provides a bounded, rate-limited audit log of
// structural UI requests (pick, create, destroy, copy, paste, release,
// save, load) and a periodic CSV export of per-tick simulation stats.
//
// Grounded on the teacher's internal/game/event_log.go (circular buffer,
// global + per-source rate limiting, async batched writer) and
// pthm-soup/telemetry/output.go (gocsv header-once CSV export).
package telemetry

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// EventType classifies one entry in the structural-event audit log.
type EventType uint8

const (
	EventUnknown EventType = iota
	EventPickPoint
	EventPickRay
	EventCreate
	EventPaste
	EventCopy
	EventDestroy
	EventRelease
	EventSaveState
	EventLoadState
)

func (t EventType) String() string {
	switch t {
	case EventPickPoint:
		return "pick_point"
	case EventPickRay:
		return "pick_ray"
	case EventCreate:
		return "create"
	case EventPaste:
		return "paste"
	case EventCopy:
		return "copy"
	case EventDestroy:
		return "destroy"
	case EventRelease:
		return "release"
	case EventSaveState:
		return "save_state"
	case EventLoadState:
		return "load_state"
	default:
		return "unknown"
	}
}

// EventVersion allows the on-disk JSONL schema to evolve.
const EventVersion uint8 = 1

// Event is one structural-request audit log entry.
type Event struct {
	Version   uint8     `json:"version"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	TimeStamp int64     `json:"timeStamp"` // simulation tick this occurred in
	Source    string    `json:"source"`    // client address or "admin-api:<ip>"
	Payload   []byte    `json:"payload"`
}

// NewEvent builds an Event with the current wall-clock timestamp.
func NewEvent(eventType EventType, tick int64, source string, payload interface{}) Event {
	data, _ := json.Marshal(payload)
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		TimeStamp: tick,
		Source:    source,
		Payload:   data,
	}
}

const (
	eventBufferSize     = 1024
	maxEventsPerSec     = 2000
	maxEventsPerSource  = 100
	batchFlushSize      = 64
	batchFlushInterval  = 100 * time.Millisecond
	sourceLimiterPrune  = 5 * time.Minute
)

// EventLog is a bounded, rate-limited audit log of structural requests,
// written asynchronously as newline-delimited JSON.
type EventLog struct {
	buffer    [eventBufferSize]Event
	writeHead uint64
	readHead  uint64

	globalLimiter  *rate.Limiter
	sourceLimiters sync.Map // map[string]*sourceLimiterEntry

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	filePath string
	file     *os.File
	fileMu   sync.Mutex

	droppedCount uint64
	totalCount   uint64
}

type sourceLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewEventLog creates a stopped EventLog; call Start to begin writing.
func NewEventLog() *EventLog {
	return &EventLog{
		globalLimiter: rate.NewLimiter(rate.Limit(maxEventsPerSec), maxEventsPerSec/10),
		stopCh:        make(chan struct{}),
	}
}

// Start opens filePath for append and begins the async writer.
func (el *EventLog) Start(filePath string) error {
	if el.running.Load() {
		return nil
	}
	el.filePath = filePath
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		el.file = f
	}
	el.running.Store(true)
	el.wg.Add(2)
	go el.writerLoop()
	go el.pruneLoop()
	return nil
}

// Stop flushes remaining events and closes the file.
func (el *EventLog) Stop() {
	el.stopOnce.Do(func() {
		el.running.Store(false)
		close(el.stopCh)
		el.wg.Wait()
		el.fileMu.Lock()
		if el.file != nil {
			el.file.Close()
		}
		el.fileMu.Unlock()
	})
}

// Emit records one structural event, subject to global and per-source rate
// limiting. Returns false if the log is not running or the event was
// rate-limited. If the buffer is full, the oldest buffered event is dropped
// to make room and the new event is accepted.
func (el *EventLog) Emit(event Event) bool {
	if !el.running.Load() {
		return false
	}
	if !el.globalLimiter.Allow() {
		atomic.AddUint64(&el.droppedCount, 1)
		return false
	}
	if event.Source != "" {
		if !el.sourceLimiter(event.Source).Allow() {
			atomic.AddUint64(&el.droppedCount, 1)
			return false
		}
	}

	head := atomic.AddUint64(&el.writeHead, 1)
	tail := atomic.LoadUint64(&el.readHead)
	if head-tail >= eventBufferSize {
		atomic.AddUint64(&el.readHead, 1)
		atomic.AddUint64(&el.droppedCount, 1)
	}

	event.Sequence = head
	el.buffer[(head-1)%eventBufferSize] = event
	atomic.AddUint64(&el.totalCount, 1)
	return true
}

func (el *EventLog) sourceLimiter(source string) *rate.Limiter {
	if v, ok := el.sourceLimiters.Load(source); ok {
		e := v.(*sourceLimiterEntry)
		e.lastUsed = time.Now()
		return e.limiter
	}
	entry := &sourceLimiterEntry{
		limiter:  rate.NewLimiter(rate.Limit(maxEventsPerSource), maxEventsPerSource/10),
		lastUsed: time.Now(),
	}
	actual, _ := el.sourceLimiters.LoadOrStore(source, entry)
	return actual.(*sourceLimiterEntry).limiter
}

func (el *EventLog) writerLoop() {
	defer el.wg.Done()
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchFlushSize)
	for {
		select {
		case <-el.stopCh:
			for {
				batch = el.collectBatch(batch[:0])
				if len(batch) == 0 {
					return
				}
				el.flushBatch(batch)
			}
		case <-ticker.C:
			batch = el.collectBatch(batch[:0])
			if len(batch) > 0 {
				el.flushBatch(batch)
			}
		}
	}
}

func (el *EventLog) pruneLoop() {
	defer el.wg.Done()
	ticker := time.NewTicker(sourceLimiterPrune)
	defer ticker.Stop()
	for {
		select {
		case <-el.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-sourceLimiterPrune)
			el.sourceLimiters.Range(func(k, v interface{}) bool {
				if v.(*sourceLimiterEntry).lastUsed.Before(cutoff) {
					el.sourceLimiters.Delete(k)
				}
				return true
			})
		}
	}
}

func (el *EventLog) collectBatch(batch []Event) []Event {
	head := atomic.LoadUint64(&el.writeHead)
	tail := atomic.LoadUint64(&el.readHead)
	for i := tail; i < head && len(batch) < batchFlushSize; i++ {
		batch = append(batch, el.buffer[i%eventBufferSize])
	}
	if len(batch) > 0 {
		atomic.AddUint64(&el.readHead, uint64(len(batch)))
	}
	return batch
}

func (el *EventLog) flushBatch(batch []Event) {
	el.fileMu.Lock()
	defer el.fileMu.Unlock()
	if el.file == nil {
		return
	}
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		el.file.Write(data)
		el.file.Write([]byte("\n"))
	}
}

// Stats returns counters useful for monitoring drop rate under load.
func (el *EventLog) Stats() map[string]uint64 {
	head := atomic.LoadUint64(&el.writeHead)
	tail := atomic.LoadUint64(&el.readHead)
	return map[string]uint64{
		"total":   atomic.LoadUint64(&el.totalCount),
		"dropped": atomic.LoadUint64(&el.droppedCount),
		"pending": head - tail,
	}
}
