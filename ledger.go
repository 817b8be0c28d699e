package waypoint

import (
	"fmt"
	"sync"
)

// Permit represents an admitted reservation against the budget ceiling. A
// permit must be resolved exactly once, by Commit or Release.
type Permit struct {
	handler  HandlerType
	estimate float64
	resolved bool
}

// Ledger tracks cumulative spend against a hard budget ceiling. Admission
// control happens before the underlying call is made: a proposed charge that
// would exceed the ceiling is rejected by Reserve, never absorbed after the
// fact. The ceiling is never silently raised.
type Ledger struct {
	mutex     sync.Mutex
	ceiling   float64
	spent     float64
	reserved  float64
	byHandler map[HandlerType]float64
}

// LedgerSnapshot is the serializable form of the ledger for checkpointing.
// Outstanding reservations are deliberately excluded: a reservation never
// survives a process restart.
type LedgerSnapshot struct {
	Ceiling   float64                 `json:"ceiling"`
	Spent     float64                 `json:"spent"`
	ByHandler map[HandlerType]float64 `json:"by_handler,omitempty"`
}

// NewLedger creates a ledger with the given budget ceiling.
func NewLedger(ceiling float64) *Ledger {
	return &Ledger{
		ceiling:   ceiling,
		byHandler: map[HandlerType]float64{},
	}
}

// Reserve admits an estimated charge. It fails with a budget_exceeded error
// when committed spend plus outstanding reservations plus the estimate would
// exceed the ceiling.
func (l *Ledger) Reserve(handler HandlerType, estimate float64) (*Permit, error) {
	if estimate < 0 {
		return nil, fmt.Errorf("negative cost estimate %.4f", estimate)
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.spent+l.reserved+estimate > l.ceiling {
		return nil, &WaypointError{
			Kind: FailureBudgetExceeded,
			Cause: fmt.Sprintf("estimated cost $%.4f exceeds remaining budget $%.4f of $%.2f ceiling",
				estimate, l.ceiling-l.spent-l.reserved, l.ceiling),
		}
	}
	l.reserved += estimate
	return &Permit{handler: handler, estimate: estimate}, nil
}

// Commit records the actual cost of a completed call, which may differ from
// the estimate the permit was granted for.
func (l *Ledger) Commit(permit *Permit, actual float64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if permit.resolved {
		return
	}
	permit.resolved = true
	l.reserved -= permit.estimate
	l.spent += actual
	l.byHandler[permit.handler] += actual
}

// Release abandons a reservation without charging anything, for calls that
// never happened or produced no billable work.
func (l *Ledger) Release(permit *Permit) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if permit.resolved {
		return
	}
	permit.resolved = true
	l.reserved -= permit.estimate
}

// Ceiling returns the budget ceiling.
func (l *Ledger) Ceiling() float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.ceiling
}

// Spent returns the cumulative committed spend.
func (l *Ledger) Spent() float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.spent
}

// Remaining returns the budget still available for reservations.
func (l *Ledger) Remaining() float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.ceiling - l.spent - l.reserved
}

// Breakdown returns committed spend per handler type.
func (l *Ledger) Breakdown() map[HandlerType]float64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	out := make(map[HandlerType]float64, len(l.byHandler))
	for k, v := range l.byHandler {
		out[k] = v
	}
	return out
}

// Snapshot returns the serializable ledger state.
func (l *Ledger) Snapshot() *LedgerSnapshot {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	byHandler := make(map[HandlerType]float64, len(l.byHandler))
	for k, v := range l.byHandler {
		byHandler[k] = v
	}
	return &LedgerSnapshot{Ceiling: l.ceiling, Spent: l.spent, ByHandler: byHandler}
}

// Restore replaces the ledger state from a snapshot.
func (l *Ledger) Restore(snapshot *LedgerSnapshot) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.ceiling = snapshot.Ceiling
	l.spent = snapshot.Spent
	l.reserved = 0
	l.byHandler = make(map[HandlerType]float64, len(snapshot.ByHandler))
	for k, v := range snapshot.ByHandler {
		l.byHandler[k] = v
	}
}
