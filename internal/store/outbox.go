package store

import (
	"context"
	"sync"

	"histeeria-chatsync/internal/models"
)

// OutboxStore persists queued sends so they survive a restart. Messages are
// keyed by temp id and listed in the order they were first saved.
type OutboxStore interface {
	Save(ctx context.Context, msg models.Message) error
	Delete(ctx context.Context, tempID string) error
	List(ctx context.Context) ([]models.Message, error)
}

// MemoryOutbox keeps the outbox in process memory.
type MemoryOutbox struct {
	mu    sync.Mutex
	order []string
	items map[string]models.Message
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{items: make(map[string]models.Message)}
}

func (o *MemoryOutbox) Save(_ context.Context, msg models.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.items[msg.TempID]; !ok {
		o.order = append(o.order, msg.TempID)
	}
	o.items[msg.TempID] = msg.Clone()
	return nil
}

func (o *MemoryOutbox) Delete(_ context.Context, tempID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.items[tempID]; !ok {
		return nil
	}
	delete(o.items, tempID)
	for i, id := range o.order {
		if id == tempID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	return nil
}

func (o *MemoryOutbox) List(_ context.Context) ([]models.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Message, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.items[id].Clone())
	}
	return out, nil
}
