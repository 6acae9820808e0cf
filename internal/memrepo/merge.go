package memrepo

import "slices"

// threeWayMerge merges theirs into ours relative to base, row by row.
//
// For each key: if ours and theirs agree, or only one side changed it,
// the result is unambiguous. If both sides changed it differently the
// key is a conflict; ours is kept in the result and the three versions
// are recorded for resolution.
func threeWayMerge(tables []Table, base, ours, theirs snapshot) (snapshot, map[string][]conflict) {
	merged := make(snapshot, len(ours))
	for name, td := range ours {
		merged[name] = td
	}
	conflicts := make(map[string][]conflict)

	for _, t := range tables {
		b, o, th := base[t.Name], ours[t.Name], theirs[t.Name]

		keys := make(map[string]struct{}, len(o)+len(th))
		for k := range b {
			keys[k] = struct{}{}
		}
		for k := range o {
			keys[k] = struct{}{}
		}
		for k := range th {
			keys[k] = struct{}{}
		}

		var out tableData
		ensure := func() tableData {
			if out == nil {
				out = make(tableData, len(o))
				for k, r := range o {
					out[k] = r
				}
			}
			return out
		}

		var tableConflicts []conflict
		for k := range keys {
			bRow, oRow, tRow := b[k], o[k], th[k]
			switch {
			case rowsEqual(oRow, tRow):
			case rowsEqual(oRow, bRow):
				if tRow == nil {
					delete(ensure(), k)
				} else {
					ensure()[k] = tRow
				}
			case rowsEqual(tRow, bRow):
			default:
				tableConflicts = append(tableConflicts, conflict{base: bRow, ours: oRow, theirs: tRow})
			}
		}

		if out != nil {
			merged[t.Name] = out
		}
		if len(tableConflicts) > 0 {
			slices.SortFunc(tableConflicts, func(x, y conflict) int {
				return compareValues(conflictKey(t.Key, x), conflictKey(t.Key, y))
			})
			conflicts[t.Name] = tableConflicts
		}
	}

	if len(conflicts) == 0 {
		conflicts = nil
	}
	return merged, conflicts
}

// conflictKey returns the key of whichever side still has the row.
func conflictKey(key string, c conflict) any {
	for _, r := range []Row{c.ours, c.theirs, c.base} {
		if r != nil {
			return r[key]
		}
	}
	return nil
}
