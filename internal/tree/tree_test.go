package tree

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

func folder(id, parent, name string) Entry {
	return Entry{LocalID: id, RemoteID: id, Name: name, IsContainer: true, ParentID: parent}
}

func file(id, parent, name string) Entry {
	return Entry{LocalID: id, RemoteID: id, Name: name, ParentID: parent, MimeOrType: "text/plain", Size: 10}
}

// sample builds:
//
//	root
//	├── A/
//	│   ├── f1
//	│   └── C/
//	│       └── f2
//	└── B/
func sample(t *testing.T) *Tree {
	t.Helper()
	tr, err := New([]Entry{
		NewRoot("remote-root", "TexFlow-doc"),
		folder("a", RootID, "A"),
		file("f1", "a", "f1.tex"),
		folder("c", "a", "C"),
		file("f2", "c", "f2.tex"),
		folder("b", RootID, "B"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustCheck(t, tr)
	return tr
}

func mustCheck(t *testing.T, tr *Tree) {
	t.Helper()
	if err := tr.Check(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestNew_DerivesPaths(t *testing.T) {
	tr := sample(t)

	tests := []struct {
		id       string
		path     string
		namePath string
		hasKids  bool
	}{
		{RootID, "/", "", true},
		{"a", "/a/", "A", true},
		{"f1", "/a/f1", "A/f1.tex", false},
		{"c", "/a/c/", "A/C", true},
		{"f2", "/a/c/f2", "A/C/f2.tex", false},
		{"b", "/b/", "B", false},
	}
	for _, tt := range tests {
		e, ok := tr.FindByID(tt.id)
		if !ok {
			t.Fatalf("FindByID(%q) not found", tt.id)
		}
		if e.Path != tt.path {
			t.Errorf("FindByID(%q).Path = %q, want %q", tt.id, e.Path, tt.path)
		}
		if e.NamePath != tt.namePath {
			t.Errorf("FindByID(%q).NamePath = %q, want %q", tt.id, e.NamePath, tt.namePath)
		}
		if e.HasChildren != tt.hasKids {
			t.Errorf("FindByID(%q).HasChildren = %v, want %v", tt.id, e.HasChildren, tt.hasKids)
		}
	}
}

func TestNew_RejectsBrokenInvariants(t *testing.T) {
	root := NewRoot("r", "root")
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"no root", []Entry{folder("a", "x", "A")}},
		{"two roots", []Entry{root, {LocalID: "r2", IsContainer: true}}},
		{"file root", []Entry{{LocalID: RootID}}},
		{"unknown parent", []Entry{root, file("f", "missing", "f")}},
		{"file parent", []Entry{root, file("f", RootID, "f"), file("g", "f", "g")}},
		{"duplicate id", []Entry{root, file("f", RootID, "f"), file("f", RootID, "g")}},
		{"cycle", []Entry{root, folder("x", "y", "X"), folder("y", "x", "Y")}},
	}
	for _, tt := range tests {
		if _, err := New(tt.entries); !errors.Is(err, ErrInvariant) {
			t.Errorf("%s: New error = %v, want ErrInvariant", tt.name, err)
		}
	}
}

func TestNew_EscapesSlashInIDs(t *testing.T) {
	tr, err := New([]Entry{
		NewRoot("docs/", "docs"),
		folder("docs/a/", RootID, "a"),
		file("docs/a/b", "docs/a/", "b"),
		folder("docs/a", RootID, "a2"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustCheck(t, tr)
	e, _ := tr.FindByID("docs/a/b")
	if e.Path != "/docs%2Fa%2F/docs%2Fa%2Fb" {
		t.Errorf("Path = %q", e.Path)
	}
}

func TestFindByDisplayPath(t *testing.T) {
	tr := sample(t)
	tests := []struct {
		path string
		want string
	}{
		{"/", RootID},
		{"", RootID},
		{"/A/", "a"},
		{"A", "a"},
		{"A//C/f2.tex", "f2"},
		{"/A/C/", "c"},
	}
	for _, tt := range tests {
		e, ok := tr.FindByDisplayPath(tt.path)
		if !ok {
			t.Errorf("FindByDisplayPath(%q) not found", tt.path)
			continue
		}
		if e.LocalID != tt.want {
			t.Errorf("FindByDisplayPath(%q) = %q, want %q", tt.path, e.LocalID, tt.want)
		}
	}
	if _, ok := tr.FindByDisplayPath("/nope"); ok {
		t.Error("FindByDisplayPath(/nope) should not resolve")
	}
}

func TestInsert_UpdatesParentHint(t *testing.T) {
	tr := sample(t)
	next, err := tr.Insert(Entry{LocalID: TempFolderPrefix + "1", Name: "New", IsContainer: true, ParentID: "b", Optimistic: true})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	mustCheck(t, next)

	b, _ := next.FindByID("b")
	if !b.HasChildren {
		t.Error("B should have children after insert")
	}
	old, _ := tr.FindByID("b")
	if old.HasChildren {
		t.Error("original snapshot was modified")
	}
	if _, err := tr.Insert(file("x", "missing", "x")); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Insert under missing parent = %v, want ErrNotFound", err)
	}
}

func TestUpdate_RenamePropagatesNamePath(t *testing.T) {
	tr := sample(t)
	next, err := tr.Update("a", func(e *Entry) { e.Name = "A2" })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	mustCheck(t, next)

	f2, _ := next.FindByID("f2")
	if f2.NamePath != "A2/C/f2.tex" {
		t.Errorf("NamePath = %q, want A2/C/f2.tex", f2.NamePath)
	}
	if f2.Path != "/a/c/f2" {
		t.Errorf("id-based path changed on rename: %q", f2.Path)
	}
}

func TestMove_RejectsCycles(t *testing.T) {
	tr := sample(t)
	tests := []struct {
		id, target string
	}{
		{"a", "a"},
		{"a", "c"},
		{RootID, "b"},
		{"a", "f1"},
	}
	for _, tt := range tests {
		if _, err := tr.Move(tt.id, tt.target); !errors.Is(err, syncerr.ErrInvalidOperation) {
			t.Errorf("Move(%q, %q) = %v, want ErrInvalidOperation", tt.id, tt.target, err)
		}
	}

	next, err := tr.Move("a", "b")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	mustCheck(t, next)
	f2, _ := next.FindByID("f2")
	if f2.Path != "/b/a/c/f2" {
		t.Errorf("Path = %q, want /b/a/c/f2", f2.Path)
	}
	root := next.Root()
	if !root.HasChildren {
		t.Error("root still holds B")
	}
}

func TestRemove_SubtreeCompleteness(t *testing.T) {
	tr := sample(t)
	next, removed, err := tr.Remove("a")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	mustCheck(t, next)

	if len(removed) != 4 {
		t.Errorf("removed %d entries, want 4", len(removed))
	}
	for _, id := range []string{"a", "f1", "c", "f2"} {
		if _, ok := next.FindByID(id); ok {
			t.Errorf("%q survived removal", id)
		}
	}
	if _, ok := next.FindByID("b"); !ok {
		t.Error("unrelated entry b was removed")
	}
	if _, _, err := tr.Remove(RootID); !errors.Is(err, syncerr.ErrInvalidOperation) {
		t.Errorf("Remove(root) = %v, want ErrInvalidOperation", err)
	}
}

func TestReplaceSubtree(t *testing.T) {
	tr := sample(t)
	tr, _ = tr.Insert(Entry{LocalID: TempUploadPrefix + "x", Name: "up.tex", ParentID: "a", Optimistic: true})

	fresh := []Entry{
		file("f1", "a", "f1-renamed.tex"),
		folder("d", "a", "D"),
		file("f3", "d", "f3.tex"),
	}
	next, err := tr.ReplaceSubtree("a", fresh)
	if err != nil {
		t.Fatalf("ReplaceSubtree: %v", err)
	}
	mustCheck(t, next)

	for _, id := range []string{"c", "f2", TempUploadPrefix + "x"} {
		if _, ok := next.FindByID(id); ok {
			t.Errorf("stale entry %q survived refresh", id)
		}
	}
	if a, ok := next.FindByID("a"); !ok || !a.HasChildren {
		t.Error("refreshed folder must remain with children")
	}
	f3, ok := next.FindByID("f3")
	if !ok || f3.NamePath != "A/D/f3.tex" {
		t.Errorf("f3 = %+v", f3)
	}
	if _, ok := next.FindByID("b"); !ok {
		t.Error("entry outside the refreshed subtree was removed")
	}

	empty, err := next.ReplaceSubtree("a", nil)
	if err != nil {
		t.Fatalf("ReplaceSubtree(empty): %v", err)
	}
	if a, _ := empty.FindByID("a"); a.HasChildren {
		t.Error("HasChildren should be false after refresh with no children")
	}
}

func TestReplaceSubtree_SupersedesStaleCopyElsewhere(t *testing.T) {
	tr := sample(t)
	// Remote moved C (with f2) from A into B; refresh B first.
	next, err := tr.ReplaceSubtree("b", []Entry{folder("c", "b", "C"), file("f2", "c", "f2.tex")})
	if err != nil {
		t.Fatalf("ReplaceSubtree: %v", err)
	}
	mustCheck(t, next)
	c, _ := next.FindByID("c")
	if c.ParentID != "b" {
		t.Errorf("C parent = %q, want b", c.ParentID)
	}
	if len(next.ChildrenOf("a")) != 1 {
		t.Errorf("A should only keep f1, has %d children", len(next.ChildrenOf("a")))
	}
}

func TestReplaceSubtree_DropsCyclicFreshEntries(t *testing.T) {
	tr := sample(t)
	next, err := tr.ReplaceSubtree("c", []Entry{folder("a", "c", "A"), file("z", "a", "z")})
	if err != nil {
		t.Fatalf("ReplaceSubtree: %v", err)
	}
	mustCheck(t, next)
	if _, ok := next.FindByID("z"); ok {
		t.Error("entry under a cyclic fresh ancestor should be dropped")
	}
}

func TestMergeChildren_KeepsKnownSubtrees(t *testing.T) {
	tr := sample(t)
	next, err := tr.MergeChildren("a", []Entry{folder("c", "a", "C-new"), file("f9", "a", "f9.tex")})
	if err != nil {
		t.Fatalf("MergeChildren: %v", err)
	}
	mustCheck(t, next)

	if _, ok := next.FindByID("f1"); ok {
		t.Error("vanished child f1 survived shallow refresh")
	}
	f2, ok := next.FindByID("f2")
	if !ok {
		t.Fatal("grandchild f2 of surviving container was dropped")
	}
	if f2.NamePath != "A/C-new/f2.tex" {
		t.Errorf("NamePath = %q, want A/C-new/f2.tex", f2.NamePath)
	}
	if _, ok := next.FindByID("f9"); !ok {
		t.Error("new child f9 missing")
	}
}

func TestCompare(t *testing.T) {
	tr := sample(t)
	next, _ := tr.Update("f1", func(e *Entry) { e.Size = 99 })
	next, _ = next.Insert(file("f5", "b", "f5"))
	next, _, _ = next.Remove("c")

	diff := Compare(tr, next)
	if len(diff.Added) != 1 || diff.Added[0].LocalID != "f5" {
		t.Errorf("Added = %+v", diff.Added)
	}
	if len(diff.Removed) != 2 {
		t.Errorf("Removed = %d, want 2", len(diff.Removed))
	}
	if len(diff.Changed) != 1 || diff.Changed[0].LocalID != "f1" {
		t.Errorf("Changed = %+v", diff.Changed)
	}
	if !Compare(tr, tr).Empty() {
		t.Error("self diff should be empty")
	}
	if !Equal(tr, tr) || Equal(tr, next) {
		t.Error("Equal mismatch")
	}
}

// Random mutation sequences must keep every invariant after each step.
func TestInvariantPreservation_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tr := sample(t)
	now := time.Unix(1700000000, 0)

	for step := 0; step < 500; step++ {
		entries := tr.Entries()
		pick := entries[rng.Intn(len(entries))]
		var containers []Entry
		for _, e := range entries {
			if e.IsContainer {
				containers = append(containers, e)
			}
		}
		target := containers[rng.Intn(len(containers))]

		var next *Tree
		var err error
		switch rng.Intn(5) {
		case 0:
			next, err = tr.Insert(Entry{LocalID: fmt.Sprintf("n%d", step), Name: fmt.Sprintf("n%d", step), IsContainer: rng.Intn(2) == 0, ParentID: target.LocalID, ModifiedAt: now})
		case 1:
			next, _, err = tr.Remove(pick.LocalID)
		case 2:
			next, err = tr.Move(pick.LocalID, target.LocalID)
		case 3:
			next, err = tr.Update(pick.LocalID, func(e *Entry) { e.Name += "x" })
		case 4:
			next, err = tr.ReplaceSubtree(target.LocalID, []Entry{file(fmt.Sprintf("r%d", step), target.LocalID, "r")})
		}
		if err != nil {
			if errors.Is(err, ErrInvariant) {
				t.Fatalf("step %d produced invariant error: %v", step, err)
			}
			continue
		}
		if err := next.Check(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		tr = next
	}
}
