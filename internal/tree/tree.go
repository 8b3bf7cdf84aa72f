package tree

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

// ErrInvariant is returned when a set of entries cannot form a valid tree.
var ErrInvariant = errors.New("tree invariant violated")

func invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// Tree is an immutable snapshot of the flat model. Every mutation returns a
// new Tree; readers holding an older snapshot never observe partial updates.
type Tree struct {
	entries  []Entry
	byID     map[string]int
	byPath   map[string]int
	byName   map[string]int
	children map[string][]int
}

// New builds a snapshot from entries. ParentID, LocalID and the display
// fields are taken as given; Path, NamePath and HasChildren are derived
// from the parent links. The input slice is not retained.
func New(entries []Entry) (*Tree, error) {
	t := &Tree{
		entries:  make([]Entry, len(entries)),
		byID:     make(map[string]int, len(entries)),
		byPath:   make(map[string]int, len(entries)),
		byName:   make(map[string]int, len(entries)),
		children: make(map[string][]int),
	}
	copy(t.entries, entries)

	rootIdx := -1
	for i, e := range t.entries {
		if e.LocalID == "" {
			return nil, invariant("entry %d has an empty local id", i)
		}
		if _, dup := t.byID[e.LocalID]; dup {
			return nil, invariant("duplicate local id %q", e.LocalID)
		}
		t.byID[e.LocalID] = i
		if e.ParentID == "" {
			if rootIdx >= 0 {
				return nil, invariant("more than one root (%q, %q)", t.entries[rootIdx].LocalID, e.LocalID)
			}
			rootIdx = i
		}
	}
	if rootIdx < 0 {
		return nil, invariant("no root entry")
	}
	if !t.entries[rootIdx].IsContainer {
		return nil, invariant("root %q is not a container", t.entries[rootIdx].LocalID)
	}

	for i, e := range t.entries {
		if i == rootIdx {
			continue
		}
		pi, ok := t.byID[e.ParentID]
		if !ok {
			return nil, invariant("entry %q has unknown parent %q", e.LocalID, e.ParentID)
		}
		if !t.entries[pi].IsContainer {
			return nil, invariant("entry %q has non-container parent %q", e.LocalID, e.ParentID)
		}
		t.children[e.ParentID] = append(t.children[e.ParentID], i)
	}

	if err := t.materialize(rootIdx); err != nil {
		return nil, err
	}
	return t, nil
}

// materialize walks from the root assigning paths and child hints. Entries
// never reached sit on a parent cycle.
func (t *Tree) materialize(rootIdx int) error {
	root := &t.entries[rootIdx]
	root.Path = "/"
	root.NamePath = ""

	visited := 1
	stack := []int{rootIdx}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parent := &t.entries[i]
		kids := t.children[parent.LocalID]
		parent.HasChildren = parent.IsContainer && len(kids) > 0
		for _, ci := range kids {
			child := &t.entries[ci]
			child.Path = ChildPath(parent.Path, child.LocalID, child.IsContainer)
			child.NamePath = ChildNamePath(parent.NamePath, child.Name)
			visited++
			stack = append(stack, ci)
		}
	}
	if visited != len(t.entries) {
		return invariant("%d entries are not reachable from the root", len(t.entries)-visited)
	}

	for i, e := range t.entries {
		if prev, dup := t.byPath[e.Path]; dup {
			return invariant("entries %q and %q share path %q", t.entries[prev].LocalID, e.LocalID, e.Path)
		}
		t.byPath[e.Path] = i
		if _, seen := t.byName[e.NamePath]; !seen {
			t.byName[e.NamePath] = i
		}
	}
	return nil
}

// Len returns the number of entries, root included.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Entries returns a copy of all entries in model order.
func (t *Tree) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Root returns the root entry.
func (t *Tree) Root() Entry {
	for _, e := range t.entries {
		if e.IsRoot() {
			return e
		}
	}
	return Entry{}
}

// FindByID finds an entry by local id.
func (t *Tree) FindByID(id string) (Entry, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// FindByRemoteID finds the first entry mirroring the given remote id.
func (t *Tree) FindByRemoteID(remoteID string) (Entry, bool) {
	if remoteID == "" {
		return Entry{}, false
	}
	for _, e := range t.entries {
		if e.RemoteID == remoteID {
			return e, true
		}
	}
	return Entry{}, false
}

// FindByPath resolves a materialized (id-based) path.
func (t *Tree) FindByPath(path string) (Entry, bool) {
	i, ok := t.byPath[path]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// FindByNamePath resolves a human-readable path. Sibling names may repeat;
// the first entry in model order wins.
func (t *Tree) FindByNamePath(namePath string) (Entry, bool) {
	i, ok := t.byName[namePath]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// FindByDisplayPath resolves a navigation path such as "/docs/ch1/".
func (t *Tree) FindByDisplayPath(p string) (Entry, bool) {
	return t.FindByNamePath(CleanDisplayPath(p))
}

// ChildrenOf returns the immediate children of id.
func (t *Tree) ChildrenOf(id string) []Entry {
	kids := t.children[id]
	out := make([]Entry, 0, len(kids))
	for _, i := range kids {
		out = append(out, t.entries[i])
	}
	return out
}

// Descendants returns every entry whose ancestor chain passes through id,
// excluding id itself.
func (t *Tree) Descendants(id string) []Entry {
	var out []Entry
	queue := append([]int(nil), t.children[id]...)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out = append(out, t.entries[i])
		queue = append(queue, t.children[t.entries[i].LocalID]...)
	}
	return out
}

// IsAncestor reports whether ancestorID appears on the parent chain of id.
func (t *Tree) IsAncestor(ancestorID, id string) bool {
	e, ok := t.FindByID(id)
	for ok && !e.IsRoot() {
		if e.ParentID == ancestorID {
			return true
		}
		e, ok = t.FindByID(e.ParentID)
	}
	return false
}

// Ancestors returns the parent chain of id, nearest first, ending at the root.
func (t *Tree) Ancestors(id string) []Entry {
	var out []Entry
	e, ok := t.FindByID(id)
	for ok && !e.IsRoot() {
		e, ok = t.FindByID(e.ParentID)
		if ok {
			out = append(out, e)
		}
	}
	return out
}

// Insert returns a snapshot with e added under e.ParentID.
func (t *Tree) Insert(e Entry) (*Tree, error) {
	if e.ParentID == "" {
		return nil, syncerr.Invalid("entry %q has no parent", e.LocalID)
	}
	if _, ok := t.byID[e.ParentID]; !ok {
		return nil, syncerr.NotFound(e.ParentID)
	}
	entries := make([]Entry, 0, len(t.entries)+1)
	entries = append(entries, t.entries...)
	entries = append(entries, e)
	return New(entries)
}

// Update returns a snapshot where fn has been applied to entry id.
// Derived fields of the whole tree are recomputed, so a changed name or
// parent propagates to descendants.
func (t *Tree) Update(id string, fn func(e *Entry)) (*Tree, error) {
	i, ok := t.byID[id]
	if !ok {
		return nil, syncerr.NotFound(id)
	}
	entries := t.Entries()
	fn(&entries[i])
	if entries[i].LocalID != id {
		return nil, syncerr.Invalid("update may not change local id %q", id)
	}
	return New(entries)
}

// Move returns a snapshot with id re-parented under newParentID.
func (t *Tree) Move(id, newParentID string) (*Tree, error) {
	e, ok := t.FindByID(id)
	if !ok {
		return nil, syncerr.NotFound(id)
	}
	if e.IsRoot() {
		return nil, syncerr.Invalid("cannot move the root")
	}
	target, ok := t.FindByID(newParentID)
	if !ok {
		return nil, syncerr.NotFound(newParentID)
	}
	if !target.IsContainer {
		return nil, syncerr.Invalid("target %q is not a folder", target.Name)
	}
	if newParentID == id || t.IsAncestor(id, newParentID) {
		return nil, syncerr.Invalid("cannot move %q into itself or its descendant", e.Name)
	}
	return t.Update(id, func(e *Entry) { e.ParentID = newParentID })
}

// Remove returns a snapshot without id and its descendants, plus the
// removed entries.
func (t *Tree) Remove(id string) (*Tree, []Entry, error) {
	e, ok := t.FindByID(id)
	if !ok {
		return nil, nil, syncerr.NotFound(id)
	}
	if e.IsRoot() {
		return nil, nil, syncerr.Invalid("cannot remove the root")
	}
	removed := append([]Entry{e}, t.Descendants(id)...)
	drop := make(map[string]bool, len(removed))
	for _, r := range removed {
		drop[r.LocalID] = true
	}
	next, err := New(t.without(drop))
	if err != nil {
		return nil, nil, err
	}
	return next, removed, nil
}

func (t *Tree) without(drop map[string]bool) []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if !drop[e.LocalID] {
			out = append(out, e)
		}
	}
	return out
}

// subtreeIDs returns id and all its descendants as a set.
func (t *Tree) subtreeIDs(id string, into map[string]bool) {
	into[id] = true
	for _, d := range t.Descendants(id) {
		into[d.LocalID] = true
	}
}

// reachableFresh filters fresh entries to those connected to folderID
// through other fresh entries. Entries that would recreate folderID or one of
// its ancestors are dropped with their fresh descendants, since accepting
// them would form a cycle.
func (t *Tree) reachableFresh(folderID string, fresh []Entry) []Entry {
	forbidden := map[string]bool{folderID: true}
	for _, a := range t.Ancestors(folderID) {
		forbidden[a.LocalID] = true
	}
	byParent := make(map[string][]int)
	for i, e := range fresh {
		byParent[e.ParentID] = append(byParent[e.ParentID], i)
	}

	kept := make([]Entry, 0, len(fresh))
	seen := make(map[string]bool, len(fresh))
	queue := []string{folderID}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, i := range byParent[pid] {
			e := fresh[i]
			if forbidden[e.LocalID] || seen[e.LocalID] {
				continue
			}
			seen[e.LocalID] = true
			kept = append(kept, e)
			if e.IsContainer {
				queue = append(queue, e.LocalID)
			}
		}
	}
	return kept
}

// ReplaceSubtree drops every descendant of folderID and inserts fresh in
// their place. fresh must be rooted at folderID (top-level fresh entries
// have ParentID == folderID). A fresh entry whose id is still present
// elsewhere in the tree supersedes the stale copy and its subtree.
// folderID itself is never removed.
func (t *Tree) ReplaceSubtree(folderID string, fresh []Entry) (*Tree, error) {
	folder, ok := t.FindByID(folderID)
	if !ok {
		return nil, syncerr.NotFound(folderID)
	}
	if !folder.IsContainer {
		return nil, syncerr.Invalid("%q is not a folder", folder.Name)
	}

	kept := t.reachableFresh(folderID, fresh)

	drop := make(map[string]bool)
	for _, d := range t.Descendants(folderID) {
		drop[d.LocalID] = true
	}
	for _, e := range kept {
		if _, exists := t.byID[e.LocalID]; exists && !drop[e.LocalID] {
			t.subtreeIDs(e.LocalID, drop)
		}
	}

	entries := t.without(drop)
	entries = append(entries, kept...)
	return New(entries)
}

// MergeChildren reconciles only the immediate children of folderID with
// fresh. Children missing from fresh are dropped with their subtrees;
// surviving or moved-in children take the fresh fields but keep their known
// descendants.
func (t *Tree) MergeChildren(folderID string, fresh []Entry) (*Tree, error) {
	folder, ok := t.FindByID(folderID)
	if !ok {
		return nil, syncerr.NotFound(folderID)
	}
	if !folder.IsContainer {
		return nil, syncerr.Invalid("%q is not a folder", folder.Name)
	}

	direct := make([]Entry, 0, len(fresh))
	for _, e := range fresh {
		if e.ParentID == folderID {
			direct = append(direct, e)
		}
	}
	kept := t.reachableFresh(folderID, direct)
	incoming := make(map[string]Entry, len(kept))
	for _, e := range kept {
		incoming[e.LocalID] = e
	}

	drop := make(map[string]bool)
	for _, c := range t.ChildrenOf(folderID) {
		if _, ok := incoming[c.LocalID]; !ok {
			t.subtreeIDs(c.LocalID, drop)
		}
	}

	entries := make([]Entry, 0, len(t.entries)+len(kept))
	placed := make(map[string]bool, len(kept))
	for _, e := range t.entries {
		if drop[e.LocalID] {
			continue
		}
		if f, ok := incoming[e.LocalID]; ok {
			if !f.IsContainer && e.IsContainer {
				// A container that became a file loses its known subtree.
				for _, d := range t.Descendants(e.LocalID) {
					drop[d.LocalID] = true
				}
			}
			entries = append(entries, f)
			placed[e.LocalID] = true
			continue
		}
		entries = append(entries, e)
	}
	if len(drop) > 0 {
		filtered := entries[:0]
		for _, e := range entries {
			if !drop[e.LocalID] {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	for _, e := range kept {
		if !placed[e.LocalID] {
			entries = append(entries, e)
		}
	}
	return New(entries)
}
