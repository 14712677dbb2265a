package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Yvictor/tpp/internal/trace"
)

// Outcome describes how a lease holder used its token.
type Outcome int

const (
	// OutcomeOK returns the slot to the pool unchanged.
	OutcomeOK Outcome = iota
	// OutcomeInvalid flags the token as rejected by the upstream (401) and
	// wakes the refresher. The slot still goes back into rotation; the next
	// acquirer may briefly see the stale value until the refresher swaps it.
	OutcomeInvalid
)

// anySlot marks a waiter that accepts whichever slot frees up first.
const anySlot = -1

// Snapshot is an atomic sample of the pool counters.
// InUse + Available always equals Total.
type Snapshot struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
	Waiting   int `json:"waiting"`
}

// SlotStats reports per-slot usage counters.
type SlotStats struct {
	UseCount   uint64
	ErrorCount uint64
	LastUsed   time.Time
	IssuedAt   time.Time
}

// slot is one fixed position in the pool holding one token.
// value, issuedAt, valid, and inUse are guarded by Pool.mu; the value is
// stable while the slot is leased because only the lease holder may replace
// it. The usage counters are atomics so the datapath never takes the lock.
type slot struct {
	id       int
	value    string
	issuedAt time.Time
	valid    bool
	inUse    bool

	useCount   atomic.Uint64
	errorCount atomic.Uint64
	lastUsed   atomic.Int64 // unix nanos, 0 = never used
}

// waiter is one blocked acquirer. The releaser hands the slot over directly
// on the buffered channel, so a release wakes at most one waiter.
type waiter struct {
	slotID int // anySlot for connections, a specific id for the refresher
	ch     chan *slot
}

// Pool is a bounded pool of bearer-token slots with blocking acquisition.
// Waiters are queued FIFO and each release hands its slot to the oldest
// matching waiter.
type Pool struct {
	mu      sync.Mutex
	slots   []*slot
	waiters []*waiter
	inUse   int
	waiting int

	// refreshCh carries the coalesced invalidation signal to the refresher.
	refreshCh chan struct{}
}

// New constructs a pool pre-populated with len(slots) == capacity tokens.
func New(tokens []string, capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be > 0, got %d", capacity)
	}
	if len(tokens) < capacity {
		return nil, fmt.Errorf("pool needs %d tokens, got %d", capacity, len(tokens))
	}

	p := &Pool{
		slots:     make([]*slot, capacity),
		refreshCh: make(chan struct{}, 1),
	}
	now := time.Now()
	for i := 0; i < capacity; i++ {
		if tokens[i] == "" {
			return nil, fmt.Errorf("token %d is empty", i)
		}
		p.slots[i] = &slot{id: i, value: tokens[i], issuedAt: now, valid: true}
	}

	log.Printf("[INFO] pool: created with %d tokens", capacity)
	return p, nil
}

// Lease is the transient right to use one slot's token between Acquire and
// Release. The token value is snapshotted at acquire time; it cannot change
// while the lease is held.
type Lease struct {
	pool     *Pool
	slot     *slot
	value    string
	released atomic.Bool
}

// SlotID identifies the leased slot.
func (l *Lease) SlotID() int { return l.slot.id }

// Token returns the bearer string for this lease.
func (l *Lease) Token() string { return l.value }

// RecordUse bumps the slot's use counter. Called once per proxied request.
func (l *Lease) RecordUse() {
	l.slot.useCount.Add(1)
	l.slot.lastUsed.Store(time.Now().UnixNano())
}

// RecordError bumps the slot's error counter.
func (l *Lease) RecordError() {
	l.slot.errorCount.Add(1)
}

// Release returns the lease to the pool. Shorthand for Pool.Release.
func (l *Lease) Release(outcome Outcome) {
	l.pool.Release(l, outcome)
}

// Acquire returns a lease on whichever slot frees up first, blocking until
// one is available or ctx is canceled.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	return p.acquire(ctx, anySlot)
}

// AcquireSlot returns a lease on the given slot, blocking until that slot is
// free or ctx is canceled. The refresher uses this to get exclusive access
// to a slot before replacing its token; connections and the refresher share
// one wait queue, so no separate per-slot locking exists.
func (p *Pool) AcquireSlot(ctx context.Context, slotID int) (*Lease, error) {
	if slotID < 0 || slotID >= len(p.slots) {
		return nil, fmt.Errorf("slot %d out of range [0,%d)", slotID, len(p.slots))
	}
	return p.acquire(ctx, slotID)
}

func (p *Pool) acquire(ctx context.Context, want int) (*Lease, error) {
	p.mu.Lock()
	if s := p.freeSlotLocked(want); s != nil {
		s.inUse = true
		p.inUse++
		l := p.leaseLocked(s)
		p.mu.Unlock()
		return l, nil
	}

	w := &waiter{slotID: want, ch: make(chan *slot, 1)}
	p.waiters = append(p.waiters, w)
	p.waiting++
	if trace.Debug() {
		log.Printf("[DEBUG] pool: waiting for slot (in_use=%d waiting=%d)", p.inUse, p.waiting)
	}
	p.mu.Unlock()

	select {
	case s := <-w.ch:
		p.mu.Lock()
		l := p.leaseLocked(s)
		p.mu.Unlock()
		return l, nil
	case <-ctx.Done():
		p.mu.Lock()
		if p.removeWaiterLocked(w) {
			p.waiting--
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()
		// Lost the race: a releaser already handed us a slot. Put it back
		// so it is not leaked.
		s := <-w.ch
		p.mu.Lock()
		p.handBackLocked(s)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// leaseLocked snapshots the slot's current value into a new lease.
func (p *Pool) leaseLocked(s *slot) *Lease {
	if trace.Debug() {
		log.Printf("[DEBUG] pool: acquired slot=%d (in_use=%d available=%d)", s.id, p.inUse, len(p.slots)-p.inUse)
	}
	return &Lease{pool: p, slot: s, value: s.value}
}

// freeSlotLocked returns a free slot matching want, or nil.
func (p *Pool) freeSlotLocked(want int) *slot {
	if want != anySlot {
		if s := p.slots[want]; !s.inUse {
			return s
		}
		return nil
	}
	for _, s := range p.slots {
		if !s.inUse {
			return s
		}
	}
	return nil
}

// popWaiterLocked removes and returns the oldest waiter that accepts the
// given slot, or nil.
func (p *Pool) popWaiterLocked(slotID int) *waiter {
	for i, w := range p.waiters {
		if w.slotID == anySlot || w.slotID == slotID {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

func (p *Pool) removeWaiterLocked(target *waiter) bool {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// handBackLocked returns a leased slot to the pool: hand it to the oldest
// matching waiter (the slot stays leased, ownership transfers), or mark it
// free.
func (p *Pool) handBackLocked(s *slot) {
	if w := p.popWaiterLocked(s.id); w != nil {
		p.waiting--
		w.ch <- s
		return
	}
	s.inUse = false
	p.inUse--
}

// Release returns the slot behind the lease to the pool. It never blocks and
// never fails; releasing the same lease twice is a no-op.
func (p *Pool) Release(l *Lease, outcome Outcome) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}

	s := l.slot
	p.mu.Lock()
	if outcome == OutcomeInvalid {
		s.valid = false
	}
	p.handBackLocked(s)
	if trace.Debug() {
		log.Printf("[DEBUG] pool: released slot=%d (in_use=%d available=%d)", s.id, p.inUse, len(p.slots)-p.inUse)
	}
	p.mu.Unlock()

	if outcome == OutcomeInvalid {
		log.Printf("[INFO] pool: slot %d marked invalid, signaling refresh", s.id)
		p.notifyRefresh()
	}
}

// notifyRefresh posts the coalescing invalidation signal. Duplicate signals
// between refresher wakes collapse to one.
func (p *Pool) notifyRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// RefreshSignal is the channel the refresher selects on to react to
// invalidations without polling.
func (p *Pool) RefreshSignal() <-chan struct{} {
	return p.refreshCh
}

// SlotsNeedingRefresh enumerates slots the refresher should re-authenticate:
// slots flagged invalid (leased or not), and unleased slots whose token age
// reached ttl.
func (p *Pool) SlotsNeedingRefresh(now time.Time, ttl time.Duration) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []int
	for _, s := range p.slots {
		if !s.valid {
			ids = append(ids, s.id)
			continue
		}
		if !s.inUse && now.Sub(s.issuedAt) >= ttl {
			ids = append(ids, s.id)
		}
	}
	return ids
}

// NeedsRefresh reports whether one slot is invalid or its token age reached
// ttl. Unlike SlotsNeedingRefresh it does not exclude leased slots: the
// refresher calls this after taking the slot's lease to re-check
// eligibility.
func (p *Pool) NeedsRefresh(slotID int, now time.Time, ttl time.Duration) bool {
	if slotID < 0 || slotID >= len(p.slots) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[slotID]
	return !s.valid || now.Sub(s.issuedAt) >= ttl
}

// Replace swaps a slot's token value, resets its counters, and marks it
// valid. The caller must hold the slot's lease (AcquireSlot), which is what
// keeps replacement out of the datapath's way.
func (p *Pool) Replace(slotID int, token string) error {
	if slotID < 0 || slotID >= len(p.slots) {
		return fmt.Errorf("slot %d out of range [0,%d)", slotID, len(p.slots))
	}
	if token == "" {
		return fmt.Errorf("slot %d: replacement token is empty", slotID)
	}

	p.mu.Lock()
	s := p.slots[slotID]
	s.value = token
	s.issuedAt = time.Now()
	s.valid = true
	s.useCount.Store(0)
	s.errorCount.Store(0)
	s.lastUsed.Store(0)
	p.mu.Unlock()

	log.Printf("[INFO] pool: slot %d token replaced", slotID)
	return nil
}

// Snapshot samples the pool counters for the health endpoint. It takes the
// pool lock briefly but never waits on acquirers.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Total:     len(p.slots),
		InUse:     p.inUse,
		Available: len(p.slots) - p.inUse,
		Waiting:   p.waiting,
	}
}

// Stats returns the usage counters for one slot.
func (p *Pool) Stats(slotID int) (SlotStats, error) {
	if slotID < 0 || slotID >= len(p.slots) {
		return SlotStats{}, fmt.Errorf("slot %d out of range [0,%d)", slotID, len(p.slots))
	}

	s := p.slots[slotID]
	p.mu.Lock()
	issued := s.issuedAt
	p.mu.Unlock()

	st := SlotStats{
		UseCount:   s.useCount.Load(),
		ErrorCount: s.errorCount.Load(),
		IssuedAt:   issued,
	}
	if ns := s.lastUsed.Load(); ns != 0 {
		st.LastUsed = time.Unix(0, ns)
	}
	return st, nil
}
