// Package peer maintains the registry of known peer addresses, their
// reputation scores, and the banned set. The score set is ordered so the
// connect loop can dial the best candidates first.
package peer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
)

// InitialScore is the reputation a freshly learned address starts with.
const InitialScore = 1_000_000_000

// BanDuration is how long a punished address stays unselectable.
const BanDuration = 600 * time.Second

// Score penalties and rewards.
const (
	CloseCost      = 1    // Any connection close.
	DialFailCost   = 10   // Failed outbound dial.
	VerifyFailCost = 100  // Failed verify dial-back.
	PunishCost     = 1000 // Malformed or malicious message.
	SupplyReward   = 10   // Supplied a successfully applied block.
)

// Connection states of a scored address.
const (
	StateFree uint32 = iota
	StateReserved
	StateConnected
)

// maxEntries bounds the registry. Above it, free zero-score entries are
// retired.
const maxEntries = 10_000

// scoreDegree is the branching factor of the ordered score set.
const scoreDegree = 16

// =============================================================================

// Score tracks one known peer address. State transitions are atomic so the
// connect loop and the session layer can race for an address without holding
// the registry lock.
type Score struct {
	Host string
	Port uint16

	state atomic.Uint32
	score int64
}

// NewScore constructs a score entry with the initial reputation.
func NewScore(host string, port uint16) *Score {
	return &Score{Host: host, Port: port, score: InitialScore}
}

// Key returns the host:port identity of the address.
func (s *Score) Key() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Value returns the current reputation.
func (s *Score) Value() int64 {
	return atomic.LoadInt64(&s.score)
}

// Reserve attempts the free to reserved transition.
func (s *Score) Reserve() bool {
	return s.state.CompareAndSwap(StateFree, StateReserved)
}

// MarkConnected moves the address to the connected state.
func (s *Score) MarkConnected() {
	s.state.Store(StateConnected)
}

// Free returns the address to the free state.
func (s *Score) Free() {
	s.state.Store(StateFree)
}

// State returns the current connection state.
func (s *Score) State() uint32 {
	return s.state.Load()
}

// scoreItem orders entries by score descending, key ascending.
type scoreItem struct {
	score int64
	key   string
	entry *Score
}

// Less implements btree.Item.
func (i scoreItem) Less(than btree.Item) bool {
	other := than.(scoreItem)
	if i.score != other.score {
		return i.score > other.score
	}
	return i.key < other.key
}

// =============================================================================

// Registry manages the score set and the banned set under a single lock.
// The lock is never held across a blocking call.
type Registry struct {
	mu sync.Mutex

	scores  *btree.BTree
	byKey   map[string]*Score
	banned  map[string]time.Time
	ownKeys map[string]struct{}
}

// NewRegistry constructs an empty registry. Own addresses are never dialed
// or scored.
func NewRegistry(ownKeys ...string) *Registry {
	own := make(map[string]struct{}, len(ownKeys))
	for _, key := range ownKeys {
		own[key] = struct{}{}
	}

	return &Registry{
		scores:  btree.New(scoreDegree),
		byKey:   make(map[string]*Score),
		banned:  make(map[string]time.Time),
		ownKeys: own,
	}
}

// Add registers a new address with the initial score. It reports false when
// the address was already known or is one of our own.
func (r *Registry) Add(host string, port uint16) bool {
	entry := NewScore(host, port)
	key := entry.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, own := r.ownKeys[key]; own {
		return false
	}
	if _, exists := r.byKey[key]; exists {
		return false
	}

	r.byKey[key] = entry
	r.scores.ReplaceOrInsert(scoreItem{score: entry.Value(), key: key, entry: entry})
	r.retireLocked()

	return true
}

// Get returns the score entry for the address.
func (r *Registry) Get(key string) (*Score, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.byKey[key]
	return entry, exists
}

// Count returns the number of known addresses.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byKey)
}

// PickCandidate scans the score set from the best entry down, skipping
// banned addresses, and reserves the first free entry it finds.
func (r *Registry) PickCandidate() (*Score, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var picked *Score
	r.scores.Ascend(func(item btree.Item) bool {
		entry := item.(scoreItem).entry

		if _, banned := r.banned[entry.Key()]; banned {
			return true
		}

		if entry.Reserve() {
			picked = entry
			return false
		}

		return true
	})

	return picked, picked != nil
}

// AddScore rewards the address, repositioning it in the ordered set.
func (r *Registry) AddScore(key string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adjustLocked(key, delta)
}

// SubScore penalizes the address, repositioning it in the ordered set. The
// score floors at zero.
func (r *Registry) SubScore(key string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adjustLocked(key, -delta)
}

// Ban adds the address to the banned set and subtracts the punish cost.
// The caller schedules Unban after BanDuration.
func (r *Registry) Ban(key string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.banned[key] = now.Add(BanDuration)
	r.adjustLocked(key, -PunishCost)
}

// Unban removes the address from the banned set.
func (r *Registry) Unban(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.banned, key)
}

// Banned reports whether the address is currently banned.
func (r *Registry) Banned(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, banned := r.banned[key]
	return banned
}

// Keys returns every known address, best scored first.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.byKey))
	r.scores.Ascend(func(item btree.Item) bool {
		keys = append(keys, item.(scoreItem).key)
		return true
	})

	return keys
}

// =============================================================================

// adjustLocked applies a delta to the entry's score and repositions it.
func (r *Registry) adjustLocked(key string, delta int64) {
	entry, exists := r.byKey[key]
	if !exists {
		return
	}

	old := atomic.LoadInt64(&entry.score)
	updated := old + delta
	if updated < 0 {
		updated = 0
	}

	r.scores.Delete(scoreItem{score: old, key: key})
	atomic.StoreInt64(&entry.score, updated)
	r.scores.ReplaceOrInsert(scoreItem{score: updated, key: key, entry: entry})
}

// retireLocked removes free zero-score entries once the registry exceeds its
// bound. The original implementation never retired entries; this is the
// policy chosen for that open question.
func (r *Registry) retireLocked() {
	if len(r.byKey) <= maxEntries {
		return
	}

	var victims []scoreItem
	r.scores.Descend(func(item btree.Item) bool {
		si := item.(scoreItem)
		if si.score > 0 {
			return false
		}
		if si.entry.State() == StateFree {
			victims = append(victims, si)
		}
		return len(r.byKey)-len(victims) > maxEntries
	})

	for _, si := range victims {
		r.scores.Delete(si)
		delete(r.byKey, si.key)
	}
}
