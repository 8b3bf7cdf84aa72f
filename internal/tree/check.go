package tree

// Check verifies the structural invariants against the stored entry fields:
//  1. exactly one root, and it is a container;
//  2. every other entry's parent exists and is a container;
//  3. path = parent path + id (+ "/" for containers), and paths are unique;
//  4. a container has children iff its HasChildren hint is set;
//  5. local ids are unique.
func Check(entries []Entry) error {
	byID := make(map[string]Entry, len(entries))
	childCount := make(map[string]int)
	roots := 0
	for _, e := range entries {
		if _, dup := byID[e.LocalID]; dup {
			return invariant("duplicate local id %q", e.LocalID)
		}
		byID[e.LocalID] = e
		if e.IsRoot() {
			roots++
			if !e.IsContainer {
				return invariant("root %q is not a container", e.LocalID)
			}
			if e.Path != "/" {
				return invariant("root path is %q", e.Path)
			}
			continue
		}
		childCount[e.ParentID]++
	}
	if roots != 1 {
		return invariant("found %d roots", roots)
	}

	paths := make(map[string]string, len(entries))
	for _, e := range entries {
		if prev, dup := paths[e.Path]; dup {
			return invariant("entries %q and %q share path %q", prev, e.LocalID, e.Path)
		}
		paths[e.Path] = e.LocalID

		if e.IsContainer {
			if e.HasChildren != (childCount[e.LocalID] > 0) {
				return invariant("container %q has HasChildren=%v with %d children", e.LocalID, e.HasChildren, childCount[e.LocalID])
			}
		} else if childCount[e.LocalID] > 0 {
			return invariant("file %q has children", e.LocalID)
		}

		if e.IsRoot() {
			continue
		}
		parent, ok := byID[e.ParentID]
		if !ok {
			return invariant("entry %q has unknown parent %q", e.LocalID, e.ParentID)
		}
		if !parent.IsContainer {
			return invariant("entry %q has non-container parent %q", e.LocalID, e.ParentID)
		}
		if want := ChildPath(parent.Path, e.LocalID, e.IsContainer); e.Path != want {
			return invariant("entry %q has path %q, want %q", e.LocalID, e.Path, want)
		}
	}
	return nil
}

// Check verifies the invariants of the snapshot.
func (t *Tree) Check() error {
	return Check(t.entries)
}
