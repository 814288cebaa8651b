package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize       = 200
	defaultSubscriberBuffer = 50
)

const (
	TypeBuildStarted   = "build_started"
	TypeBuildFinished  = "build_finished"
	TypeCancelStarted  = "cancel_started"
	TypeBuildCanceled  = "build_canceled"
	TypeSweepFinished  = "sweep_finished"
	TypeMessageSkipped = "message_skipped"
)

// Event is one build lifecycle notice from the worker.
type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     string            `json:"level"`
	Type      string            `json:"type"`
	Message   string            `json:"msg"`
	Repo      string            `json:"repo,omitempty"`
	Branch    string            `json:"branch,omitempty"`
	Tag       string            `json:"tag,omitempty"`
	State     string            `json:"state,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}

// Broker fans build events out to SSE subscribers and keeps the most recent
// ones so a new subscriber can catch up.
type Broker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	recent  []Event
	head    int
	full    bool
	dropped atomic.Uint64
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		subs:   map[int]chan Event{},
		recent: make([]Event, bufferSize),
	}
}

// Publish never blocks: a subscriber whose channel is full misses the event.
func (b *Broker) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent[b.head] = event
	b.head = (b.head + 1) % len(b.recent)
	if b.head == 0 {
		b.full = true
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a live channel, a func that unsubscribes, and the
// retained events oldest first.
func (b *Broker) Subscribe() (<-chan Event, func(), []Event) {
	if b == nil {
		return nil, func() {}, nil
	}
	ch := make(chan Event, defaultSubscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	snapshot := b.snapshotLocked()
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel, snapshot
}

// Dropped counts deliveries skipped because a subscriber was behind.
func (b *Broker) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Broker) snapshotLocked() []Event {
	if !b.full {
		return append([]Event(nil), b.recent[:b.head]...)
	}
	out := make([]Event, 0, len(b.recent))
	out = append(out, b.recent[b.head:]...)
	return append(out, b.recent[:b.head]...)
}
