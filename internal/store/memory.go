package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

type MemoryBackend struct {
	mu       sync.Mutex
	fallback []FallbackEntry
	links    map[string]Link
	events   map[string]time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		links:  map[string]Link{},
		events: map[string]time.Time{},
	}
}

func (b *MemoryBackend) AppendFallback(ctx context.Context, entry FallbackEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	entry.Failures = append([]string(nil), entry.Failures...)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = append(b.fallback, entry)
	return nil
}

func (b *MemoryBackend) ListFallback(ctx context.Context, tenantID string, limit int) ([]FallbackEntry, error) {
	limit = clampLimit(limit)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []FallbackEntry{}
	for i := len(b.fallback) - 1; i >= 0 && len(out) < limit; i-- {
		if b.fallback[i].TenantID == tenantID {
			entry := b.fallback[i]
			entry.Failures = append([]string(nil), entry.Failures...)
			out = append(out, entry)
		}
	}
	return out, nil
}

func (b *MemoryBackend) GetLink(ctx context.Context, tenantID, kind, billingID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	link, ok := b.links[linkKey(tenantID, kind, billingID)]
	if !ok {
		return "", ErrNotFound
	}
	return link.CRMID, nil
}

func (b *MemoryBackend) PutLink(ctx context.Context, link Link) error {
	if err := validateLink(link); err != nil {
		return err
	}
	if link.UpdatedAt.IsZero() {
		link.UpdatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[linkKey(link.TenantID, link.Kind, link.BillingID)] = link
	return nil
}

func (b *MemoryBackend) Seen(ctx context.Context, tenantID, eventID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.events[eventKey(tenantID, eventID)]
	return ok, nil
}

func (b *MemoryBackend) MarkProcessed(ctx context.Context, tenantID, eventID string, at time.Time) error {
	if strings.TrimSpace(eventID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[eventKey(tenantID, eventID)] = at
	return nil
}

func (b *MemoryBackend) Prune(ctx context.Context, before time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key, at := range b.events {
		if at.Before(before) {
			delete(b.events, key)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
