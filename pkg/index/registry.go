package index

// Registry is an in-memory collection of file index entries, keyed by
// filename. Insertion order is irrelevant; filenames are unique. Lookups
// are a simple linear scan — the working set is one entry per tracked
// file, which is always small.
type Registry struct {
	entries []Entry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Find returns the entry for name, if one exists. The returned entry is a
// shallow copy: reassigning its fields does not affect the registry, but its
// Sigs slice shares storage with the stored entry.
func (r *Registry) Find(name string) (Entry, bool) {
	for _, e := range r.entries {
		if e.Filename == name {
			return e, true
		}
	}
	return Entry{}, false
}

// ReplaceOrAdd overwrites the entry with the same filename as entry, or
// appends it if no such entry exists. The previous entry's signature vector
// is discarded entirely; entries are always replaced as a whole, never
// merged.
func (r *Registry) ReplaceOrAdd(entry Entry) {
	for i, e := range r.entries {
		if e.Filename == entry.Filename {
			r.entries[i] = entry
			return
		}
	}
	r.entries = append(r.entries, entry)
}

// Len returns the number of entries currently tracked.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Entries returns a copy of the registry's entries, in no particular order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Equal reports whether two registries describe the same set of entries,
// independent of order. It is used by tests to verify save/load round trips.
func (r *Registry) Equal(other *Registry) bool {
	if r.Len() != other.Len() {
		return false
	}
	for _, e := range r.entries {
		oe, ok := other.Find(e.Filename)
		if !ok || oe.Filesize != e.Filesize || oe.NBlocks != e.NBlocks || len(oe.Sigs) != len(e.Sigs) {
			return false
		}
		for i := range e.Sigs {
			if e.Sigs[i] != oe.Sigs[i] {
				return false
			}
		}
	}
	return true
}
