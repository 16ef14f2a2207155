package scene

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnitNotFound is returned when a unit ID is not on the board.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrStatusConflict is returned when a compare-and-swap observes a status
	// other than the expected one. Another attempt owns or already moved the unit.
	ErrStatusConflict = errors.New("unit status changed concurrently")

	// ErrUnitBusy is returned when a retry targets a unit with an attempt in flight.
	ErrUnitBusy = errors.New("unit has an attempt in flight")
)

// Claim is the result of taking ownership of a unit for one attempt.
// Resting is the unit as it was before the claim, used to roll back an
// attempt whose result must be discarded.
type Claim struct {
	Unit    Unit
	Resting Unit
}

// Board is the arena holding every unit of a run, indexed by ID.
// All mutations are compare-and-swap on status; readers receive copies.
type Board struct {
	mu    sync.RWMutex
	units map[int]*Unit
	order []int
}

// NewBoard creates a board from the given units. Unit IDs must be unique and
// every unit must satisfy the artifact invariants. A zero status means Pending.
func NewBoard(units []Unit) (*Board, error) {
	b := &Board{
		units: make(map[int]*Unit, len(units)),
		order: make([]int, 0, len(units)),
	}
	for _, u := range units {
		if _, dup := b.units[u.ID]; dup {
			return nil, fmt.Errorf("duplicate unit id %d", u.ID)
		}
		if u.Status == "" {
			u.Status = StatusPending
		}
		if u.Status.IsInFlight() {
			return nil, fmt.Errorf("unit %d: cannot start a run with status %s", u.ID, u.Status)
		}
		if err := u.Validate(); err != nil {
			return nil, err
		}
		unit := u
		b.units[u.ID] = &unit
		b.order = append(b.order, u.ID)
	}
	return b, nil
}

// Len returns the number of units on the board.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// IDs returns unit IDs in creation order.
func (b *Board) IDs() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int, len(b.order))
	copy(ids, b.order)
	return ids
}

// Index returns the creation-order position of a unit, or -1.
func (b *Board) Index(id int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, uid := range b.order {
		if uid == id {
			return i
		}
	}
	return -1
}

// Get returns a copy of the unit.
func (b *Board) Get(id int) (Unit, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.units[id]
	if !ok {
		return Unit{}, false
	}
	return *u, true
}

// Snapshot returns copies of all units in creation order.
func (b *Board) Snapshot() []Unit {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Unit, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.units[id])
	}
	return out
}

// Count returns how many units are in each status.
func (b *Board) Count() map[Status]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	counts := make(map[Status]int)
	for _, u := range b.units {
		counts[u.Status]++
	}
	return counts
}

// Claim moves a unit from an expected resting status into an in-flight status
// following the normal forward edges. It fails with ErrStatusConflict if the
// unit is no longer in from.
func (b *Board) Claim(id int, from, to Status) (Claim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.lookup(id)
	if err != nil {
		return Claim{}, err
	}
	if u.Status != from {
		return Claim{}, fmt.Errorf("unit %d is %s, expected %s: %w", id, u.Status, from, ErrStatusConflict)
	}
	if !to.IsInFlight() || !CanTransition(from, to) {
		return Claim{}, &TransitionError{UnitID: id, From: from, To: to}
	}

	resting := *u
	u.Status = to
	u.Attempts++
	return Claim{Unit: *u, Resting: resting}, nil
}

// ClaimRetry takes ownership of a resting unit for an explicit retry. The
// entry point is the video stage when an image exists and forceImage is false,
// otherwise the image stage. Artifacts that the new attempt will replace are cleared.
func (b *Board) ClaimRetry(id int, forceImage bool) (Claim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.lookup(id)
	if err != nil {
		return Claim{}, err
	}
	if u.Status.IsInFlight() {
		return Claim{}, fmt.Errorf("unit %d is %s: %w", id, u.Status, ErrUnitBusy)
	}

	entry := StatusImageInFlight
	if u.HasImage() && !forceImage {
		entry = StatusVideoInFlight
	}
	if !CanRetryInto(u.Status, entry) {
		return Claim{}, &TransitionError{UnitID: id, From: u.Status, To: entry}
	}

	resting := *u
	u.Status = entry
	u.Attempts++
	u.LastError = ""
	u.VideoArtifact = ""
	if entry == StatusImageInFlight {
		u.ImageArtifact = ""
	}
	return Claim{Unit: *u, Resting: resting}, nil
}

// Commit applies a forward edge with compare-and-swap on from. The mutate
// function may set artifacts or the error message; the result must satisfy
// the unit invariants or the change is rejected.
func (b *Board) Commit(id int, from, to Status, mutate func(*Unit)) (Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.lookup(id)
	if err != nil {
		return Unit{}, err
	}
	if u.Status != from {
		return Unit{}, fmt.Errorf("unit %d is %s, expected %s: %w", id, u.Status, from, ErrStatusConflict)
	}
	if !CanTransition(from, to) {
		return Unit{}, &TransitionError{UnitID: id, From: from, To: to}
	}

	next := *u
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	next.ID = id
	next.Status = to
	if err := next.Validate(); err != nil {
		return Unit{}, err
	}
	*u = next
	return next, nil
}

// Release rolls a unit back to a resting snapshot, provided it is still in
// the expected in-flight status. Used when an attempt's result is discarded.
func (b *Board) Release(id int, expect Status, resting Unit) (Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, err := b.lookup(id)
	if err != nil {
		return Unit{}, err
	}
	if u.Status != expect {
		return Unit{}, fmt.Errorf("unit %d is %s, expected %s: %w", id, u.Status, expect, ErrStatusConflict)
	}
	if resting.Status.IsInFlight() {
		return Unit{}, &TransitionError{UnitID: id, From: expect, To: resting.Status}
	}
	if err := resting.Validate(); err != nil {
		return Unit{}, err
	}

	attempts := u.Attempts
	*u = resting
	u.ID = id
	u.Attempts = attempts
	return *u, nil
}

// Apply sets a field on every resting unit matching pred. It never touches
// in-flight units and never changes status.
func (b *Board) Apply(pred func(Unit) bool, mutate func(*Unit)) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]int, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	changed := 0
	for _, id := range ids {
		u := b.units[id]
		if u.Status.IsInFlight() || !pred(*u) {
			continue
		}
		status := u.Status
		mutate(u)
		u.ID = id
		u.Status = status
		changed++
	}
	return changed
}

func (b *Board) lookup(id int) (*Unit, error) {
	u, ok := b.units[id]
	if !ok {
		return nil, fmt.Errorf("unit %d: %w", id, ErrUnitNotFound)
	}
	return u, nil
}
