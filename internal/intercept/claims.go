package intercept

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClaimed is returned when a key is already owned by another observer, or was recently finished.
var ErrClaimed = errors.New("interception already claimed")

type interception struct {
	candidate Candidate
	state     State
	claimedAt time.Time
	updatedAt time.Time
	cancel    context.CancelFunc
}

type tombstone struct {
	state State
	at    time.Time
}

// Snapshot is a read-only view of an active interception.
type Snapshot struct {
	Key       Key
	Candidate Candidate
	State     State
	ClaimedAt time.Time
	UpdatedAt time.Time
}

// ClaimTable is the dedup guard. A key is claimed at most once; finishing it
// removes the entry and leaves a tombstone so late duplicate events cannot claim it again.
type ClaimTable struct {
	mu           sync.Mutex
	active       map[Key]*interception
	tombstones   map[Key]tombstone
	tombstoneTTL time.Duration
	now          func() time.Time
}

func NewClaimTable(tombstoneTTL time.Duration) *ClaimTable {
	return &ClaimTable{
		active:       make(map[Key]*interception),
		tombstones:   make(map[Key]tombstone),
		tombstoneTTL: tombstoneTTL,
		now:          time.Now,
	}
}

// TryClaim makes the caller the owner of key. It fails if the key is active or tombstoned.
func (t *ClaimTable) TryClaim(key Key, cand Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[key]; ok {
		return ErrClaimed
	}

	if t.tombstonedLocked(key) {
		return ErrClaimed
	}

	now := t.now()
	t.active[key] = &interception{candidate: cand, state: StateDetected, claimedAt: now, updatedAt: now}

	return nil
}

// Claimed reports whether key is active or recently finished.
func (t *ClaimTable) Claimed(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.active[key]

	return ok || t.tombstonedLocked(key)
}

// Advance moves an active entry to a non-terminal state. It returns false when
// the key is no longer active, which means another path already finished it.
func (t *ClaimTable) Advance(key Key, state State) bool {
	if state.Terminal() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[key]
	if !ok {
		return false
	}

	entry.state = state
	entry.updatedAt = t.now()

	return true
}

// Attach stores the cancel func for work running on behalf of key. Finishing the key calls it.
func (t *ClaimTable) Attach(key Key, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.active[key]
	if !ok {
		return false
	}

	entry.cancel = cancel

	return true
}

// Finish applies the terminal state. Only the first caller wins; it receives the
// candidate and is responsible for the terminal browser action.
func (t *ClaimTable) Finish(key Key, state State) (Candidate, bool) {
	if !state.Terminal() {
		return Candidate{}, false
	}

	t.mu.Lock()

	entry, ok := t.active[key]
	if !ok {
		t.mu.Unlock()
		return Candidate{}, false
	}

	delete(t.active, key)
	t.tombstones[key] = tombstone{state: state, at: t.now()}
	cancel := entry.cancel

	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return entry.candidate, true
}

// Tombstone marks a key that was never active as finished, so later events for it are ignored.
func (t *ClaimTable) Tombstone(key Key, state State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[key]; ok {
		return
	}

	t.tombstones[key] = tombstone{state: state, at: t.now()}
}

// State returns the current state of key, including the terminal state while it is tombstoned.
func (t *ClaimTable) State(key Key) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.active[key]; ok {
		return entry.state, true
	}

	if t.tombstonedLocked(key) {
		return t.tombstones[key].state, true
	}

	return 0, false
}

// Stale lists active entries whose last transition is older than cutoff.
func (t *ClaimTable) Stale(cutoff time.Time) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Snapshot

	for key, entry := range t.active {
		if entry.updatedAt.Before(cutoff) {
			out = append(out, snapshot(key, entry))
		}
	}

	return out
}

// Active lists all active entries.
func (t *ClaimTable) Active() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.active))
	for key, entry := range t.active {
		out = append(out, snapshot(key, entry))
	}

	return out
}

// PruneTombstones drops tombstones older than the TTL and returns how many were removed.
func (t *ClaimTable) PruneTombstones() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0

	for key, ts := range t.tombstones {
		if t.now().Sub(ts.at) >= t.tombstoneTTL {
			delete(t.tombstones, key)
			removed++
		}
	}

	return removed
}

func (t *ClaimTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.active)
}

func (t *ClaimTable) tombstonedLocked(key Key) bool {
	ts, ok := t.tombstones[key]
	if !ok {
		return false
	}

	return t.now().Sub(ts.at) < t.tombstoneTTL
}

func snapshot(key Key, entry *interception) Snapshot {
	return Snapshot{
		Key:       key,
		Candidate: entry.candidate,
		State:     entry.state,
		ClaimedAt: entry.claimedAt,
		UpdatedAt: entry.updatedAt,
	}
}
