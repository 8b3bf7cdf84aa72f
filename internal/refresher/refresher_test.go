package refresher

import (
	"context"
	"errors"
	"testing"

	"github.com/fruitsalade/drivemirror/internal/builder"
	"github.com/fruitsalade/drivemirror/internal/remote/memstore"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

type fixture struct {
	store *memstore.Store
	b     *builder.Builder
	root  string
	a     string
	b1    string
	f1    string
	tree  *tree.Tree
}

// newFixture seeds R/A/B1/f1 and R/top.txt and builds the tree.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	root, err := store.ResolveRootContainer(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: store, root: root}
	f.a = store.AddFolder(root, "A")
	f.b1 = store.AddFolder(f.a, "B1")
	f.f1 = store.AddFile(f.b1, "f1.tex", "application/x-tex", []byte("x"))
	store.AddFile(root, "top.txt", "text/plain", nil)

	f.b = builder.New(store, 2)
	f.tree, err = f.b.Build(ctx, root, "R")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return f
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", Deep, false},
		{"deep", Deep, false},
		{"shallow", Shallow, false},
		{"sideways", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestRefresh_DeepPicksUpNestedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	added := f.store.AddFile(f.b1, "f2.tex", "application/x-tex", nil)
	if err := f.store.RenameEntity(ctx, f.f1, "main.tex"); err != nil {
		t.Fatal(err)
	}

	next, diff, err := New(f.b, Deep).Refresh(ctx, f.tree, f.a)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := next.FindByID(added); !ok {
		t.Error("nested file added remotely is missing after deep refresh")
	}
	if e, _ := next.FindByID(f.f1); e.NamePath != "A/B1/main.tex" {
		t.Errorf("renamed file name path = %q, want %q", e.NamePath, "A/B1/main.tex")
	}
	if len(diff.Added) != 1 || len(diff.Changed) != 1 || len(diff.Removed) != 0 {
		t.Errorf("diff = %d added, %d changed, %d removed, want 1, 1, 0",
			len(diff.Added), len(diff.Changed), len(diff.Removed))
	}
	if _, ok := next.FindByDisplayPath("top.txt"); !ok {
		t.Error("entry outside the refreshed folder was dropped")
	}
	if err := next.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestRefresh_RemovesVanishedSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.DeleteEntity(ctx, f.b1); err != nil {
		t.Fatal(err)
	}

	next, diff, err := New(f.b, Deep).Refresh(ctx, f.tree, f.a)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	for _, id := range []string{f.b1, f.f1} {
		if _, ok := next.FindByID(id); ok {
			t.Errorf("entry %q survived refresh", id)
		}
	}
	a, ok := next.FindByID(f.a)
	if !ok {
		t.Fatal("refreshed folder itself was removed")
	}
	if a.HasChildren {
		t.Error("A.HasChildren = true after its only child vanished")
	}
	if len(diff.Removed) != 2 {
		t.Errorf("removed = %d, want 2", len(diff.Removed))
	}
}

func TestRefresh_ShallowKeepsKnownGrandchildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hidden := f.store.AddFile(f.b1, "later.tex", "", nil)
	sibling := f.store.AddFolder(f.a, "B2")

	next, _, err := New(f.b, Shallow).Refresh(ctx, f.tree, f.a)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := next.FindByID(sibling); !ok {
		t.Error("new direct child missing after shallow refresh")
	}
	if _, ok := next.FindByID(f.f1); !ok {
		t.Error("known grandchild dropped by shallow refresh")
	}
	if _, ok := next.FindByID(hidden); ok {
		t.Error("shallow refresh listed below the immediate children")
	}
	if calls := f.store.Calls(memstore.OpList); calls != 4 {
		t.Errorf("list calls = %d, want 4 (3 for build, 1 for refresh)", calls)
	}
}

func TestRefresh_Root(t *testing.T) {
	f := newFixture(t)
	added := f.store.AddFolder(f.root, "C")

	next, _, err := New(f.b, Deep).Refresh(context.Background(), f.tree, tree.RootID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	e, ok := next.FindByID(added)
	if !ok || e.ParentID != tree.RootID {
		t.Errorf("root child = %+v, %v", e, ok)
	}
	if next.Len() != f.tree.Len()+1 {
		t.Errorf("Len = %d, want %d", next.Len(), f.tree.Len()+1)
	}
}

func TestRefresh_NoOpTargets(t *testing.T) {
	f := newFixture(t)
	optimistic, err := f.tree.Insert(tree.Entry{
		LocalID:     tree.TempFolderPrefix + "x",
		Name:        "pending",
		IsContainer: true,
		ParentID:    tree.RootID,
		Optimistic:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		in   *tree.Tree
		id   string
	}{
		{"missing", f.tree, "gone"},
		{"optimistic", optimistic, tree.TempFolderPrefix + "x"},
	}
	r := New(f.b, Deep)
	for _, tt := range tests {
		before := f.store.Calls(memstore.OpList)
		next, diff, err := r.Refresh(context.Background(), tt.in, tt.id)
		if err != nil {
			t.Errorf("%s: Refresh error = %v", tt.name, err)
		}
		if next != tt.in || !diff.Empty() {
			t.Errorf("%s: tree changed", tt.name)
		}
		if f.store.Calls(memstore.OpList) != before {
			t.Errorf("%s: remote was listed", tt.name)
		}
	}
}

func TestRefresh_FileTargetIsInvalid(t *testing.T) {
	f := newFixture(t)
	_, _, err := New(f.b, Deep).Refresh(context.Background(), f.tree, f.f1)
	if !errors.Is(err, syncerr.ErrInvalidOperation) {
		t.Errorf("Refresh(file) error = %v, want ErrInvalidOperation", err)
	}
}

func TestRefresh_FailureKeepsStaleEntries(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(memstore.OpList, errors.New("connection reset"))

	next, _, err := New(f.b, Deep).Refresh(context.Background(), f.tree, f.a)
	if !errors.Is(err, syncerr.ErrRemoteUnavailable) {
		t.Errorf("Refresh error = %v, want ErrRemoteUnavailable", err)
	}
	if !tree.Equal(next, f.tree) {
		t.Error("tree changed after a failed refresh")
	}
}
