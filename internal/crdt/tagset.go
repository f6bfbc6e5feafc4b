package crdt

// TagSet tracks content or system tag membership for one entry using
// an Observed-Remove Set, so concurrent add/remove of the same tag on
// different replicas converges without one operation silently losing
// to the other (unlike a plain last-write-wins string slice).
//
// The document itself still replicates whole entries at LWW
// granularity (LWWSet), and entry tags replicate as part of that whole
// entry; TagSet is a standalone helper that neither the document, the
// migration runner nor the bridge uses.
type TagSet struct {
	set *ORSet
}

// NewTagSet builds a TagSet seeded with the given tags.
func NewTagSet(initial []string) *TagSet {
	ts := &TagSet{set: NewORSet()}
	for _, t := range initial {
		ts.set.Add(t)
	}
	return ts
}

// Add adds tag to the set.
func (ts *TagSet) Add(tag string) { ts.set.Add(tag) }

// Remove removes tag from the set.
func (ts *TagSet) Remove(tag string) { ts.set.Remove(tag) }

// Contains reports whether tag is currently present.
func (ts *TagSet) Contains(tag string) bool { return ts.set.Contains(tag) }

// Tags returns the current tag membership, unordered.
func (ts *TagSet) Tags() []string { return ts.set.Elements() }

// Merge merges other into ts.
func (ts *TagSet) Merge(other *TagSet) { ts.set.Merge(other.set) }
