package gateway

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSubscriber means nothing listens for the target instance; its
// registry entries belong to a gone process.
var ErrNoSubscriber = errors.New("no subscriber for instance")

// Envelope carries a frame to specific connections on one instance.
type Envelope struct {
	RecipientID int64    `json:"recipientId"`
	ConnIDs     []string `json:"connIds"`
	Frame       Frame    `json:"frame"`
}

// PushBus moves envelopes between gateway instances.
type PushBus interface {
	// Publish returns ErrNoSubscriber when no instance received env.
	Publish(ctx context.Context, instanceID string, env Envelope) error
	// Subscribe calls fn for every envelope addressed to instanceID until ctx is done.
	Subscribe(ctx context.Context, instanceID string, fn func(Envelope)) error
}

// MemoryPushBus connects instances living in the same process.
type MemoryPushBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Envelope
}

func NewMemoryPushBus() *MemoryPushBus {
	return &MemoryPushBus{subs: map[string][]chan Envelope{}}
}

func (b *MemoryPushBus) Publish(ctx context.Context, instanceID string, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs[instanceID]) == 0 {
		return ErrNoSubscriber
	}
	for _, ch := range b.subs[instanceID] {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryPushBus) Subscribe(ctx context.Context, instanceID string, fn func(Envelope)) error {
	ch := make(chan Envelope, 64)
	b.mu.Lock()
	b.subs[instanceID] = append(b.subs[instanceID], ch)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		subs := b.subs[instanceID]
		for i, c := range subs {
			if c == ch {
				b.subs[instanceID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			fn(env)
		}
	}
}
