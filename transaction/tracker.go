package transaction

import (
	"errors"
	"fmt"
	"sync"
)

// Errors reported by the tracker.
var (
	ErrDuplicateID = errors.New("duplicate transaction id")
	ErrUnknownID   = errors.New("unknown transaction id")
	ErrStaleHandle = errors.New("stale transaction handle")
	ErrNilContext  = errors.New("nil transaction context")
	ErrCoreAtBound = errors.New("core at in-flight bound")
	ErrCoreIdle    = errors.New("core has no transaction in flight")
	ErrUnknownCore = errors.New("unknown core")
)

// A Handle refers to a record in the tracker. A handle stays comparable
// after its record is resolved, but looking it up reports ErrStaleHandle,
// even if the slot has been reused by a later transaction.
type Handle struct {
	slot       uint32
	generation uint32
}

// IsZero tells if the handle was never issued.
func (h Handle) IsZero() bool {
	return h.generation == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.slot, h.generation)
}

type record struct {
	id         string
	ctx        Context
	generation uint32
	live       bool
}

// Tracker keeps the pending transactions in an arena and bounds the number
// of cache transactions each core may have in flight.
type Tracker struct {
	lock sync.Mutex

	records []record
	free    []uint32
	byID    map[string]uint32

	perCoreBound int
	coreInFlight []int
}

// NewTracker creates a tracker for numCores cores, each allowed perCoreBound
// cache transactions in flight.
func NewTracker(numCores, perCoreBound int) *Tracker {
	if numCores < 0 {
		panic("number of cores cannot be negative")
	}

	if perCoreBound <= 0 {
		panic("per-core bound must be positive")
	}

	return &Tracker{
		byID:         make(map[string]uint32),
		perCoreBound: perCoreBound,
		coreInFlight: make([]int, numCores),
	}
}

// Begin records a newly issued transaction.
func (t *Tracker) Begin(id string, ctx Context) (Handle, error) {
	if ctx == nil {
		return Handle{}, fmt.Errorf("%w: transaction %s", ErrNilContext, id)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if _, found := t.byID[id]; found {
		return Handle{}, fmt.Errorf("%w: %s (%s)",
			ErrDuplicateID, id, ctx.TransactionKind())
	}

	slot := t.allocSlot()
	r := &t.records[slot]
	r.id = id
	r.ctx = ctx
	r.live = true
	t.byID[id] = slot

	return Handle{slot: slot, generation: r.generation}, nil
}

func (t *Tracker) allocSlot() uint32 {
	if n := len(t.free); n > 0 {
		slot := t.free[n-1]
		t.free = t.free[:n-1]
		t.records[slot].generation++

		return slot
	}

	t.records = append(t.records, record{generation: 1})

	return uint32(len(t.records) - 1)
}

// Resolve removes the transaction and returns its context.
func (t *Tracker) Resolve(id string) (Context, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	slot, found := t.byID[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}

	r := &t.records[slot]
	ctx := r.ctx

	delete(t.byID, id)
	r.id = ""
	r.ctx = nil
	r.live = false
	t.free = append(t.free, slot)

	return ctx, nil
}

// Lookup returns the context of a live transaction without resolving it.
func (t *Tracker) Lookup(h Handle) (Context, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if int(h.slot) >= len(t.records) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}

	r := t.records[h.slot]
	if !r.live || r.generation != h.generation {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}

	return r.ctx, nil
}

// Pending returns the number of unresolved transactions.
func (t *Tracker) Pending() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.byID)
}

// PendingByKind counts the unresolved transactions of each kind.
func (t *Tracker) PendingByKind() map[Kind]int {
	t.lock.Lock()
	defer t.lock.Unlock()

	counts := make(map[Kind]int)
	for _, slot := range t.byID {
		counts[t.records[slot].ctx.TransactionKind()]++
	}

	return counts
}

// NumCores returns the number of cores that the tracker bounds.
func (t *Tracker) NumCores() int {
	return len(t.coreInFlight)
}

// PerCoreBound returns the number of cache transactions a core may have in
// flight.
func (t *Tracker) PerCoreBound() int {
	return t.perCoreBound
}

// CoreCanIssue tells if the core is below its in-flight bound.
func (t *Tracker) CoreCanIssue(core int) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if core < 0 || core >= len(t.coreInFlight) {
		return false
	}

	return t.coreInFlight[core] < t.perCoreBound
}

// CoreIssue counts one more cache transaction in flight for the core.
func (t *Tracker) CoreIssue(core int) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if core < 0 || core >= len(t.coreInFlight) {
		return fmt.Errorf("%w: %d", ErrUnknownCore, core)
	}

	if t.coreInFlight[core] >= t.perCoreBound {
		return fmt.Errorf("%w: core %d has %d in flight",
			ErrCoreAtBound, core, t.coreInFlight[core])
	}

	t.coreInFlight[core]++

	return nil
}

// CoreRelease counts one cache transaction of the core as finished.
func (t *Tracker) CoreRelease(core int) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if core < 0 || core >= len(t.coreInFlight) {
		return fmt.Errorf("%w: %d", ErrUnknownCore, core)
	}

	if t.coreInFlight[core] == 0 {
		return fmt.Errorf("%w: core %d", ErrCoreIdle, core)
	}

	t.coreInFlight[core]--

	return nil
}

// CoreInFlight returns the number of cache transactions in flight for the
// core.
func (t *Tracker) CoreInFlight(core int) int {
	t.lock.Lock()
	defer t.lock.Unlock()

	if core < 0 || core >= len(t.coreInFlight) {
		return 0
	}

	return t.coreInFlight[core]
}
