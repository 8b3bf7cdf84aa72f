package tree

// Diff represents changes between two snapshots, keyed by local id.
type Diff struct {
	Added   []Entry
	Removed []Entry
	Changed []Entry // entries whose name, parent, size, type or modtime changed
}

// Empty reports whether the snapshots were equivalent.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compare computes the difference between two snapshots. A nil snapshot is
// treated as empty.
func Compare(oldTree, newTree *Tree) Diff {
	var diff Diff
	oldEntries := entriesOf(oldTree)
	newEntries := entriesOf(newTree)

	oldByID := make(map[string]Entry, len(oldEntries))
	for _, e := range oldEntries {
		oldByID[e.LocalID] = e
	}
	newByID := make(map[string]bool, len(newEntries))
	for _, e := range newEntries {
		newByID[e.LocalID] = true
		old, exists := oldByID[e.LocalID]
		if !exists {
			diff.Added = append(diff.Added, e)
		} else if entryChanged(old, e) {
			diff.Changed = append(diff.Changed, e)
		}
	}
	for _, e := range oldEntries {
		if !newByID[e.LocalID] {
			diff.Removed = append(diff.Removed, e)
		}
	}
	return diff
}

func entriesOf(t *Tree) []Entry {
	if t == nil {
		return nil
	}
	return t.entries
}

func entryChanged(old, new Entry) bool {
	return old.Name != new.Name ||
		old.ParentID != new.ParentID ||
		old.Size != new.Size ||
		old.MimeOrType != new.MimeOrType ||
		old.IsContainer != new.IsContainer ||
		old.Optimistic != new.Optimistic ||
		!old.ModifiedAt.Equal(new.ModifiedAt)
}

// Equal reports whether two snapshots hold the same entries with the same
// fields, ignoring order.
func Equal(a, b *Tree) bool {
	ae, be := entriesOf(a), entriesOf(b)
	if len(ae) != len(be) {
		return false
	}
	byID := make(map[string]Entry, len(ae))
	for _, e := range ae {
		byID[e.LocalID] = e
	}
	for _, e := range be {
		o, ok := byID[e.LocalID]
		if !ok || !sameEntry(o, e) {
			return false
		}
	}
	return true
}

func sameEntry(a, b Entry) bool {
	return a.LocalID == b.LocalID &&
		a.RemoteID == b.RemoteID &&
		a.Name == b.Name &&
		a.IsContainer == b.IsContainer &&
		a.HasChildren == b.HasChildren &&
		a.ParentID == b.ParentID &&
		a.Path == b.Path &&
		a.NamePath == b.NamePath &&
		a.MimeOrType == b.MimeOrType &&
		a.Size == b.Size &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.ModifiedAt.Equal(b.ModifiedAt) &&
		a.Optimistic == b.Optimistic
}
