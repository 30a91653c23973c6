package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileBackend keeps everything in one JSON document, rewritten atomically
// (temp file + rename) after each mutation. It suits single-process local
// deployments.
type FileBackend struct {
	path string
	mem  *MemoryBackend
}

type fileSnapshot struct {
	Fallback []FallbackEntry     `json:"fallback"`
	Links    []Link              `json:"links"`
	Events   map[string]eventRow `json:"events"`
}

type eventRow struct {
	TenantID    string    `json:"tenantId"`
	EventID     string    `json:"eventId"`
	ProcessedAt time.Time `json:"processedAt"`
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &FileBackend{path: path, mem: NewMemoryBackend()}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) AppendFallback(ctx context.Context, entry FallbackEntry) error {
	if err := b.mem.AppendFallback(ctx, entry); err != nil {
		return err
	}
	return b.save()
}

func (b *FileBackend) ListFallback(ctx context.Context, tenantID string, limit int) ([]FallbackEntry, error) {
	return b.mem.ListFallback(ctx, tenantID, limit)
}

func (b *FileBackend) GetLink(ctx context.Context, tenantID, kind, billingID string) (string, error) {
	return b.mem.GetLink(ctx, tenantID, kind, billingID)
}

func (b *FileBackend) PutLink(ctx context.Context, link Link) error {
	if err := b.mem.PutLink(ctx, link); err != nil {
		return err
	}
	return b.save()
}

func (b *FileBackend) Seen(ctx context.Context, tenantID, eventID string) (bool, error) {
	return b.mem.Seen(ctx, tenantID, eventID)
}

func (b *FileBackend) MarkProcessed(ctx context.Context, tenantID, eventID string, at time.Time) error {
	if err := b.mem.MarkProcessed(ctx, tenantID, eventID, at); err != nil {
		return err
	}
	return b.save()
}

func (b *FileBackend) Prune(ctx context.Context, before time.Time) (int, error) {
	removed, err := b.mem.Prune(ctx, before)
	if err != nil || removed == 0 {
		return removed, err
	}
	return removed, b.save()
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	m := b.mem
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = append([]FallbackEntry(nil), snapshot.Fallback...)
	for _, link := range snapshot.Links {
		m.links[linkKey(link.TenantID, link.Kind, link.BillingID)] = link
	}
	for _, row := range snapshot.Events {
		m.events[eventKey(row.TenantID, row.EventID)] = row.ProcessedAt
	}
	return nil
}

// save serialises under the memory lock so concurrent mutations cannot
// interleave their writes of the temp file.
func (b *FileBackend) save() error {
	m := b.mem
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := fileSnapshot{
		Fallback: append([]FallbackEntry(nil), m.fallback...),
		Links:    make([]Link, 0, len(m.links)),
		Events:   make(map[string]eventRow, len(m.events)),
	}
	for _, link := range m.links {
		snapshot.Links = append(snapshot.Links, link)
	}
	for key, at := range m.events {
		tenantID, eventID, _ := strings.Cut(key, "\x00")
		snapshot.Events[tenantID+"/"+eventID] = eventRow{TenantID: tenantID, EventID: eventID, ProcessedAt: at}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
