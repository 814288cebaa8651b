package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/metocean/bob-the-builder/internal/task"
)

var ErrNoMessages = errors.New("no messages available")

// Queue delivers task identities at least once. A received message stays
// invisible to other consumers until its visibility timeout runs out or it
// is deleted.
type Queue interface {
	EnsureExists(ctx context.Context) error
	Enqueue(ctx context.Context, id task.Identity) error
	// ReceiveOne waits at most wait for a message and returns ErrNoMessages
	// when none arrived.
	ReceiveOne(ctx context.Context, wait time.Duration) (*Message, error)
}

type Message struct {
	ID           string
	Body         []byte
	ReceiveCount int
	deleteFn     func(ctx context.Context) error
}

// Identity decodes the task identity carried by the message.
func (m *Message) Identity() (task.Identity, error) {
	var id task.Identity
	if err := json.Unmarshal(m.Body, &id); err != nil {
		return task.Identity{}, fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	if id.GitRepo == "" || id.CreatedAt.IsZero() {
		return task.Identity{}, fmt.Errorf("decode message %s: missing git_repo or created_at", m.ID)
	}
	return id, nil
}

func (m *Message) Delete(ctx context.Context) error {
	if m.deleteFn == nil {
		return nil
	}
	return m.deleteFn(ctx)
}

func encodeIdentity(id task.Identity) ([]byte, error) {
	body, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("encode task identity: %w", err)
	}
	return body, nil
}
