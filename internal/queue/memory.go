package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/metocean/bob-the-builder/internal/task"
)

// Memory is an in-process FIFO. Received messages are removed from the
// queue at once; Delete only records that the consumer acknowledged them.
type Memory struct {
	mu      sync.Mutex
	pending [][]byte
	nextID  int
	deleted []string
	notify  chan struct{}
}

func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{}, 1)}
}

func (m *Memory) EnsureExists(ctx context.Context) error { return nil }

func (m *Memory) Enqueue(ctx context.Context, id task.Identity) error {
	body, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	m.Push(body)
	return nil
}

// Push enqueues a raw body.
func (m *Memory) Push(body []byte) {
	m.mu.Lock()
	m.pending = append(m.pending, body)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) ReceiveOne(ctx context.Context, wait time.Duration) (*Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if msg := m.pop(); msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoMessages
		case <-m.notify:
		}
	}
}

func (m *Memory) pop() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	body := m.pending[0]
	m.pending = m.pending[1:]
	m.nextID++
	id := strconv.Itoa(m.nextID)
	return &Message{
		ID:           id,
		Body:         body,
		ReceiveCount: 1,
		deleteFn: func(ctx context.Context) error {
			m.mu.Lock()
			m.deleted = append(m.deleted, id)
			m.mu.Unlock()
			return nil
		},
	}
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Memory) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}
