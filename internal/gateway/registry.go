package gateway

import (
	"context"
	"strings"
	"sync"
)

// SessionRef locates one live connection on one gateway instance.
type SessionRef struct {
	InstanceID string
	ConnID     string
}

func (r SessionRef) String() string { return r.InstanceID + "/" + r.ConnID }

func parseSessionRef(s string) (SessionRef, bool) {
	inst, conn, ok := strings.Cut(s, "/")
	if !ok || inst == "" || conn == "" {
		return SessionRef{}, false
	}
	return SessionRef{InstanceID: inst, ConnID: conn}, true
}

// Registry maps a recipient to all of its live sessions, across instances.
// A recipient may hold several sessions at once (multiple devices).
type Registry interface {
	Register(ctx context.Context, recipientID int64, ref SessionRef) error
	Unregister(ctx context.Context, recipientID int64, ref SessionRef) error
	Lookup(ctx context.Context, recipientID int64) ([]SessionRef, error)
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu   sync.RWMutex
	byID map[int64]map[SessionRef]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byID: map[int64]map[SessionRef]struct{}{}}
}

func (r *MemoryRegistry) Register(_ context.Context, recipientID int64, ref SessionRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byID[recipientID]
	if set == nil {
		set = map[SessionRef]struct{}{}
		r.byID[recipientID] = set
	}
	set[ref] = struct{}{}
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, recipientID int64, ref SessionRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byID[recipientID]
	delete(set, ref)
	if len(set) == 0 {
		delete(r.byID, recipientID)
	}
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, recipientID int64) ([]SessionRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byID[recipientID]
	out := make([]SessionRef, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	return out, nil
}
