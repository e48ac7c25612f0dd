package memory

import (
	"context"
	"sync"
	"time"
)

// SessionBuffer holds the per-user short-term turn windows. It is an
// explicit keyed store owned by the orchestrator: a user's buffer is created
// on first message and evicted after an idle timeout or on shutdown.
//
// All operations on a single user's window are linearized through the
// per-user mutex, so an append arriving mid-compaction can never be lost or
// duplicated between the compacted slice and the retained tail. The trigger
// bound is not enforced eagerly: the window may exceed it between the
// trigger firing and compaction taking its slice.
type SessionBuffer struct {
	mu          sync.RWMutex
	users       map[string]*userWindow
	trigger     int
	retain      int
	idleTimeout time.Duration
	onEvict     func(userID string, residual []Turn)
}

type userWindow struct {
	mu             sync.Mutex
	turns          []Turn
	nextSeq        int64
	compacting     bool
	lastActivityAt time.Time
}

// NewSessionBuffer creates the keyed buffer store. trigger is the resident
// length at which compaction fires, retain the number of most recent turns
// kept resident when a slice is taken.
func NewSessionBuffer(trigger, retain int, idleTimeout time.Duration) *SessionBuffer {
	if trigger <= 0 {
		trigger = 20
	}
	if retain < 0 || retain >= trigger {
		retain = trigger / 2
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &SessionBuffer{
		users:       make(map[string]*userWindow),
		trigger:     trigger,
		retain:      retain,
		idleTimeout: idleTimeout,
	}
}

// SetEvictHook registers a callback invoked with a user's residual turns
// when their idle window is evicted.
func (b *SessionBuffer) SetEvictHook(hook func(userID string, residual []Turn)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvict = hook
}

func (b *SessionBuffer) window(userID string) *userWindow {
	b.mu.RLock()
	w, ok := b.users[userID]
	b.mu.RUnlock()
	if ok {
		return w
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.users[userID]; ok {
		return w
	}
	w = &userWindow{nextSeq: 1, lastActivityAt: time.Now().UTC()}
	b.users[userID] = w
	return w
}

// Append adds a turn to the user's window and returns the stored turn and
// the new resident length. Sequence numbers are per user, monotonically
// increasing from 1, and survive eviction of compacted turns.
func (b *SessionBuffer) Append(userID string, role Role, content string) (Turn, int) {
	w := b.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	t := Turn{Role: role, Content: content, Sequence: w.nextSeq}
	w.nextSeq++
	w.turns = append(w.turns, t)
	w.lastActivityAt = time.Now().UTC()
	return t, len(w.turns)
}

// ShouldCompact reports whether the user's resident window has reached the
// trigger size. It returns false while a compaction is in flight so a second
// trigger is coalesced rather than queued.
func (b *SessionBuffer) ShouldCompact(userID string) bool {
	w := b.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.compacting && len(w.turns) >= b.trigger
}

// BeginCompaction atomically claims the per-user compaction slot. Exactly
// one caller wins between trigger and completion; losers are coalesced.
func (b *SessionBuffer) BeginCompaction(userID string) bool {
	w := b.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.compacting || len(w.turns) < b.trigger {
		return false
	}
	w.compacting = true
	return true
}

// TakeCompactionSlice splits the window into the turns to compact (all but
// the most recent retain turns) and the retained tail, replacing the
// resident window with the tail in one atomic step. The caller must hold
// the compaction slot via BeginCompaction. A (nil, false) return means the
// window shrank below usefulness; the slot is released.
func (b *SessionBuffer) TakeCompactionSlice(userID string) ([]Turn, bool) {
	w := b.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.turns) <= b.retain {
		w.compacting = false
		return nil, false
	}
	cut := len(w.turns) - b.retain
	slice := make([]Turn, cut)
	copy(slice, w.turns[:cut])
	retained := make([]Turn, b.retain)
	copy(retained, w.turns[cut:])
	w.turns = retained
	return slice, true
}

// TakeAll drains the entire resident window, used for the final flush before
// eviction. Returns nil if a compaction is in flight or the window is empty.
func (b *SessionBuffer) TakeAll(userID string) []Turn {
	w := b.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.compacting || len(w.turns) == 0 {
		return nil
	}
	out := w.turns
	w.turns = nil
	return out
}

// EndCompaction releases the per-user compaction slot. A non-nil restore
// slice is put back at the front of the window, preserving sequence order;
// the pipeline uses this to fail open when summarization is exhausted.
func (b *SessionBuffer) EndCompaction(userID string, restore []Turn) {
	w := b.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(restore) > 0 {
		w.turns = append(append([]Turn{}, restore...), w.turns...)
	}
	w.compacting = false
}

// Snapshot returns a copy of the user's resident turns in order.
func (b *SessionBuffer) Snapshot(userID string) []Turn {
	b.mu.RLock()
	w, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// BaseSequence returns the sequence number of the oldest resident turn, or
// the next sequence when the window is empty.
func (b *SessionBuffer) BaseSequence(userID string) int64 {
	w := b.window(userID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == 0 {
		return w.nextSeq
	}
	return w.turns[0].Sequence
}

// ActiveCount returns the number of resident user windows.
func (b *SessionBuffer) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users)
}

// StartJanitor periodically evicts idle user windows until ctx is done.
func (b *SessionBuffer) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.evictIdle()
			}
		}
	}()
}

func (b *SessionBuffer) evictIdle() {
	now := time.Now().UTC()

	b.mu.Lock()
	var evicted []string
	for userID, w := range b.users {
		w.mu.Lock()
		idle := !w.compacting && now.Sub(w.lastActivityAt) >= b.idleTimeout
		w.mu.Unlock()
		if idle {
			evicted = append(evicted, userID)
		}
	}
	type eviction struct {
		userID   string
		residual []Turn
	}
	var out []eviction
	for _, userID := range evicted {
		w := b.users[userID]
		w.mu.Lock()
		out = append(out, eviction{userID: userID, residual: w.turns})
		w.turns = nil
		w.mu.Unlock()
		delete(b.users, userID)
	}
	hook := b.onEvict
	b.mu.Unlock()

	if hook != nil {
		for _, ev := range out {
			hook(ev.userID, ev.residual)
		}
	}
}
