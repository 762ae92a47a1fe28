// Package dedup remembers client supplied change identifiers so a replayed
// edit is applied at most once.
package dedup

import (
	"context"
	"sync"
)

type Deduper interface {
	// Seen records messageId for the room and reports whether it had
	// already been recorded.
	Seen(ctx context.Context, roomId, messageId string) (bool, error)
	// Release removes a recorded messageId so the same change can be
	// applied again after it failed to persist.
	Release(ctx context.Context, roomId, messageId string) error
}

const DefaultWindow = 1024

type window struct {
	ids   map[string]struct{}
	order []string
	next  int
}

// MemoryDeduper keeps the last N identifiers per room.
type MemoryDeduper struct {
	mu      sync.Mutex
	size    int
	windows map[string]*window
}

func NewMemoryDeduper(size int) *MemoryDeduper {
	if size <= 0 {
		size = DefaultWindow
	}
	return &MemoryDeduper{
		size:    size,
		windows: make(map[string]*window),
	}
}

func (d *MemoryDeduper) Seen(_ context.Context, roomId, messageId string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[roomId]
	if !ok {
		w = &window{
			ids:   make(map[string]struct{}, d.size),
			order: make([]string, d.size),
		}
		d.windows[roomId] = w
	}

	if _, ok := w.ids[messageId]; ok {
		return true, nil
	}

	if evicted := w.order[w.next]; evicted != "" {
		delete(w.ids, evicted)
	}
	w.order[w.next] = messageId
	w.next = (w.next + 1) % d.size
	w.ids[messageId] = struct{}{}

	return false, nil
}

func (d *MemoryDeduper) Release(_ context.Context, roomId, messageId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[roomId]
	if !ok {
		return nil
	}
	if _, ok := w.ids[messageId]; !ok {
		return nil
	}

	delete(w.ids, messageId)
	for i, id := range w.order {
		if id == messageId {
			w.order[i] = ""
			break
		}
	}
	return nil
}

// Forget drops everything recorded for the room.
func (d *MemoryDeduper) Forget(roomId string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, roomId)
}
