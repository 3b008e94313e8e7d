package prison

import (
	"context"
	"sort"
	"sync"
)

// Registry stores at most one entry per (guild, user).
type Registry interface {
	Arrest(ctx context.Context, e Entry) error
	Release(ctx context.Context, guildID, userID string) error
	Get(ctx context.Context, guildID, userID string) (Entry, error)
	List(ctx context.Context, guildID string) ([]Entry, error)
}

type key struct{ guild, user string }

type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[key]Entry
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[key]Entry)}
}

func (r *MemoryRegistry) Arrest(_ context.Context, e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{e.GuildID, e.UserID}
	if _, ok := r.entries[k]; ok {
		return ErrAlreadyImprisoned
	}
	r.entries[k] = e
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, guildID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{guildID, userID}
	if _, ok := r.entries[k]; !ok {
		return ErrNotImprisoned
	}
	delete(r.entries, k)
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, guildID, userID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key{guildID, userID}]
	if !ok {
		return Entry{}, ErrNotImprisoned
	}
	return e, nil
}

func (r *MemoryRegistry) List(_ context.Context, guildID string) ([]Entry, error) {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for k, e := range r.entries {
		if k.guild == guildID {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ArrestedAt.Before(out[j].ArrestedAt) })
	return out, nil
}
