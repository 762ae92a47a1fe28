// Package presence tracks per user cursor, selection and typing state for a
// room.
package presence

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/npezzotti/codecollab/internal/types"
)

var Palette = []string{
	"#3B82F6", "#EF4444", "#10B981", "#F59E0B", "#8B5CF6",
	"#F97316", "#06B6D4", "#84CC16", "#EC4899", "#6B7280",
}

// Update carries the fields to merge. Nil fields are left unchanged; an
// empty Update only registers the user.
type Update struct {
	Cursor    *types.Position
	Selection *types.Selection
	IsTyping  *bool
}

type entry struct {
	view types.Presence
	seq  uint64
}

// Tracker holds the presence rows of one room.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64
	now     func() time.Time
	pick    func(n int) int
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
		pick:    rand.IntN,
	}
}

// Upsert merges u into the user's row, creating it with a color when absent.
func (t *Tracker) Upsert(username string, u Update) (types.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[username]
	created := !ok
	if created {
		t.seq++
		e = &entry{
			view: types.Presence{Username: username, Color: t.assignColor()},
			seq:  t.seq,
		}
		t.entries[username] = e
	}

	if u.Cursor != nil {
		e.view.Cursor = *u.Cursor
	}
	if u.Selection != nil {
		e.view.Selection = *u.Selection
	}
	if u.IsTyping != nil {
		e.view.IsTyping = *u.IsTyping
	}

	now := t.now()
	e.view.LastSeen = &now

	return e.view, created
}

// assignColor returns the first palette color nobody in the room holds. Once
// every color is taken it falls back to a random pick, so two users may
// share a color.
func (t *Tracker) assignColor() string {
	used := mapset.NewThreadUnsafeSetWithSize[string](len(t.entries))
	for _, e := range t.entries {
		used.Add(e.view.Color)
	}

	for _, c := range Palette {
		if !used.Contains(c) {
			return c
		}
	}
	return Palette[t.pick(len(Palette))]
}

func (t *Tracker) Remove(username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[username]; !ok {
		return false
	}
	delete(t.entries, username)
	return true
}

func (t *Tracker) Get(username string) (types.Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[username]
	if !ok {
		return types.Presence{}, false
	}
	return e.view, true
}

// Snapshot lists every row in join order.
func (t *Tracker) Snapshot() []types.Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		return cmp.Compare(a.seq, b.seq)
	})

	views := make([]types.Presence, len(entries))
	for i, e := range entries {
		views[i] = e.view
	}
	return views
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
