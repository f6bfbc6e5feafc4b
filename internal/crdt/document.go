package crdt

import (
	"sync"

	"github.com/amaydixit11/mindcache-engine/internal/core"
)

// CommitEvent is emitted after every committed transaction (§4.1).
// Origin identifies the initiating caller ("bridge", a connection
// handle, "migration", "import") so subscribers can distinguish
// locally-initiated commits (broadcast to everyone, projected) from
// remote ones (broadcast to everyone but the origin, projected).
type CommitEvent struct {
	Origin  string
	Changed []string // entry names whose root-level slot or nested attributes/value changed
}

// Subscriber receives commit events. Delivery must never block the
// document: callers register a channel-backed subscriber (see
// internal/engine) with its own non-blocking semantics.
type Subscriber func(CommitEvent)

// Document is the authoritative, replicated state for one instance: a
// root map (the well-known "mindcache" map in §4.1) from entry name to
// {value, attributes}. Commits happen through Set, Delete, Clear and
// ApplyUpdate, each of which wraps its entry writes in a single
// origin-tagged transaction and notifies subscribers once; Hydrate,
// Reset and LoadState change the entries without notifying.
//
// Operations are serialized by mu; the engine must not hold this lock
// across I/O (§4.1, §5).
type Document struct {
	mu          sync.Mutex
	entries     *LWWSet
	clock       *core.Clock
	subscribers []Subscriber
}

// NewDocument creates an empty document backed by clock.
func NewDocument(clock *core.Clock) *Document {
	return &Document{entries: NewLWWSet(), clock: clock}
}

// Subscribe registers fn to be called after every commit.
func (d *Document) Subscribe(fn Subscriber) {
	d.mu.Lock()
	d.subscribers = append(d.subscribers, fn)
	d.mu.Unlock()
}

func (d *Document) notify(ev CommitEvent) {
	// Subscribers are invoked outside the lock by callers of the
	// mutating methods below; notify() itself assumes the lock is
	// already released.
	for _, sub := range d.subscribers {
		sub(ev)
	}
}

// Hydrate loads an entry from storage without going through the
// normal commit path; used once at boot (origin "migration", §4.8)
// before the document starts accepting traffic.
func (d *Document) Hydrate(entry core.Entry, timestamp uint64) {
	d.mu.Lock()
	d.entries.Add(entry, timestamp, "migration")
	d.mu.Unlock()
}

// Set applies root[name] = {value, attributes} as one origin-tagged
// transaction and returns the committed entry.
func (d *Document) Set(origin, name string, value any, attrs core.Attributes) core.Entry {
	d.mu.Lock()
	ts := d.clock.Tick()
	entry := core.NewEntry(name, value, attrs)
	d.entries.Add(entry, ts, origin)
	committed, _ := d.entries.Lookup(name)
	d.mu.Unlock()

	d.notify(CommitEvent{Origin: origin, Changed: []string{name}})
	return committed
}

// Delete removes root[name] as one origin-tagged transaction. Returns
// false if name was already absent.
func (d *Document) Delete(origin, name string) bool {
	d.mu.Lock()
	_, existed := d.entries.Lookup(name)
	if !existed {
		d.mu.Unlock()
		return false
	}
	ts := d.clock.Tick()
	d.entries.Remove(name, ts, origin)
	d.mu.Unlock()

	d.notify(CommitEvent{Origin: origin, Changed: []string{name}})
	return true
}

// Clear removes every entry as one origin-tagged transaction (used by
// the legacy "clear" control frame, gated by §4.5 to system/admin).
func (d *Document) Clear(origin string) []string {
	d.mu.Lock()
	names := make([]string, 0, d.entries.ActiveSize())
	for _, e := range d.entries.Elements() {
		names = append(names, e.Name)
	}
	ts := d.clock.Tick()
	for _, name := range names {
		d.entries.Remove(name, ts, origin)
	}
	d.mu.Unlock()

	if len(names) > 0 {
		d.notify(CommitEvent{Origin: origin, Changed: names})
	}
	return names
}

// Reset replaces the document with an empty one sharing the same
// clock, used by the HTTP Bridge's DELETE /destroy (§4.6).
func (d *Document) Reset() {
	d.mu.Lock()
	d.entries = NewLWWSet()
	d.mu.Unlock()
}

// Get returns a non-deleted entry by name.
func (d *Document) Get(name string) (core.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries.Lookup(name)
}

// List returns all non-deleted entries, unordered; callers apply
// display ordering (core.SortByDisplayOrder) themselves.
func (d *Document) List() []core.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries.Elements()
}

// State encodes the full document state (§4.1 "encode full state").
func (d *Document) State() DocumentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DocumentState{Entries: d.entries.AllElements(), ClockTime: d.clock.Now()}
}

// LoadState merges a full state into the document's contents with
// the same LWW rules as ApplyUpdate, without emitting commit events
// (used when restoring from the persisted blob at boot).
func (d *Document) LoadState(state DocumentState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, elem := range state.Entries {
		if elem.Deleted {
			d.entries.Remove(elem.Entry.Name, elem.Timestamp, elem.Origin)
		} else {
			d.entries.Add(elem.Entry, elem.Timestamp, elem.Origin)
		}
	}
	d.clock.Update(state.ClockTime)
}

// StateVector returns the compact summary of what this document has
// observed (§4.2 step-1): for a single authoritative document, that
// summary degenerates to one scalar, its highest committed logical
// time.
func (d *Document) StateVector() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxTimestampLocked()
}

func (d *Document) maxTimestampLocked() uint64 {
	var max uint64
	for _, elem := range d.entries.AllElements() {
		if elem.Timestamp > max {
			max = elem.Timestamp
		}
	}
	return max
}

// DeltaSince computes every update this document holds that is newer
// than the peer's state vector (§4.2 step-2).
func (d *Document) DeltaSince(since uint64) DocumentDelta {
	d.mu.Lock()
	defer d.mu.Unlock()
	var entries []LWWElement
	for _, elem := range d.entries.AllElements() {
		if elem.Timestamp > since {
			entries = append(entries, elem)
		}
	}
	return DocumentDelta{Entries: entries, ClockTime: d.clock.Now(), Since: since}
}

// DeltaFor builds a delta containing exactly the named entries'
// current elements (present or tombstoned), used by the engine
// façade to broadcast precisely what one commit changed rather than
// the whole state-vector-bounded delta (§4.3 "Broadcast").
func (d *Document) DeltaFor(names []string) DocumentDelta {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]LWWElement, 0, len(names))
	for _, name := range names {
		if elem, ok := d.entries.LookupElement(name); ok {
			entries = append(entries, elem)
		}
	}
	return DocumentDelta{Entries: entries, ClockTime: d.clock.Now()}
}

// ApplyUpdate merges a remote delta as one origin-tagged transaction,
// wrapped exactly as Set/Delete are (§4.2 "every application of an
// Update to the document is wrapped in a transaction").
func (d *Document) ApplyUpdate(origin string, delta DocumentDelta) []string {
	d.mu.Lock()
	changed := make([]string, 0, len(delta.Entries))
	for _, elem := range delta.Entries {
		if elem.Deleted {
			d.entries.Remove(elem.Entry.Name, elem.Timestamp, elem.Origin)
		} else {
			d.entries.Add(elem.Entry, elem.Timestamp, elem.Origin)
		}
		changed = append(changed, elem.Entry.Name)
	}
	d.clock.Update(delta.ClockTime)
	d.mu.Unlock()

	if len(changed) > 0 {
		d.notify(CommitEvent{Origin: origin, Changed: changed})
	}
	return changed
}

// DocumentState is the full serializable state of a document.
type DocumentState struct {
	Entries   []LWWElement `json:"entries"`
	ClockTime uint64       `json:"clockTime"`
}

// DocumentDelta carries only the updates committed after Since.
type DocumentDelta struct {
	Entries   []LWWElement `json:"entries"`
	ClockTime uint64       `json:"clockTime"`
	Since     uint64       `json:"since"`
}

// ErrEntryNotFound is returned when an operation targets an absent entry.
type ErrEntryNotFound struct{ Name string }

func (e *ErrEntryNotFound) Error() string { return "entry not found: " + e.Name }
