package engine

import "sync"

// Ledger is the ordered record of resources created during one run.
//
// A handle is appended as soon as its create call returns an id, before any
// readiness polling, so a resource that never becomes ready is still deleted
// on rollback. Entries are never reordered. The workflow only appends; the
// rollback executor is the only reader that drains.
type Ledger struct {
	mu      sync.Mutex
	entries []ledgerEntry
}

type ledgerEntry struct {
	handle ResourceHandle
	delete DeleteFunc
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Append records a created resource together with the operation that deletes it.
func (l *Ledger) Append(h ResourceHandle, del DeleteFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ledgerEntry{handle: h, delete: del})
}

// Len returns the number of recorded resources.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of the recorded handles in creation order.
func (l *Ledger) Snapshot() []ResourceHandle {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ResourceHandle, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.handle
	}
	return out
}

// Refs returns the step name to id mapping of the recorded resources.
func (l *Ledger) Refs() Refs {
	l.mu.Lock()
	defer l.mu.Unlock()

	refs := make(Refs, len(l.entries))
	for _, e := range l.entries {
		refs[e.handle.Step] = e.handle.ID
	}
	return refs
}

// drainReverse removes every entry and returns them last-inserted first.
func (l *Ledger) drainReverse() []ledgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ledgerEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	l.entries = nil
	return out
}
