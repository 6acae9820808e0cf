package memrepo

import "maps"

// workingSet is a session's uncommitted view of the tables. Tables are
// shared with the revision they came from until first written.
type workingSet struct {
	tables snapshot
	owned  map[string]bool
}

func newWorkingSet(base snapshot) *workingSet {
	return &workingSet{
		tables: maps.Clone(base),
		owned:  make(map[string]bool),
	}
}

func (w *workingSet) read(table string) tableData {
	return w.tables[table]
}

// write returns a table the caller may modify in place.
func (w *workingSet) write(table string) tableData {
	if w.owned[table] {
		return w.tables[table]
	}
	td := make(tableData, len(w.tables[table]))
	for k, r := range w.tables[table] {
		td[k] = r
	}
	if w.tables == nil {
		w.tables = make(snapshot)
	}
	w.tables[table] = td
	w.owned[table] = true
	return td
}

// freeze returns an immutable snapshot of the working set. Subsequent
// writes copy again.
func (w *workingSet) freeze() snapshot {
	snap := maps.Clone(w.tables)
	if snap == nil {
		snap = snapshot{}
	}
	w.owned = make(map[string]bool)
	return snap
}
