package localfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{RootPath: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root, err := s.ResolveRootContainer(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("ResolveRootContainer: %v", err)
	}
	return s, root
}

func payload(name, body string) remote.Payload {
	return remote.Payload{
		Name:     name,
		MimeType: "text/plain",
		Size:     int64(len(body)),
		Body:     bytes.NewReader([]byte(body)),
	}
}

func names(es []remote.Entity) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out
}

func TestNew_MissingRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root path")
	}
	missing := filepath.Join(t.TempDir(), "nope")
	if _, err := New(Config{RootPath: missing}); err == nil {
		t.Fatal("expected error for missing root without CreateDirs")
	}
	if _, err := New(Config{RootPath: missing, CreateDirs: true}); err != nil {
		t.Fatalf("New with CreateDirs: %v", err)
	}
}

func TestResolveRootContainer_Idempotent(t *testing.T) {
	s, root := newStore(t)
	if root != "TexFlow/TexFlow-doc1" {
		t.Errorf("root = %q, want %q", root, "TexFlow/TexFlow-doc1")
	}
	again, err := s.ResolveRootContainer(context.Background(), "doc1")
	if err != nil {
		t.Fatalf("ResolveRootContainer: %v", err)
	}
	if again != root {
		t.Errorf("second resolve = %q, want %q", again, root)
	}
	if _, err := s.ResolveRootContainer(context.Background(), "../x"); !errors.Is(err, syncerr.ErrInvalidOperation) {
		t.Errorf("bad key: got %v, want ErrInvalidOperation", err)
	}
}

func TestCreateListUpload(t *testing.T) {
	s, root := newStore(t)
	ctx := context.Background()

	dirID, err := s.CreateContainer(ctx, "A", root)
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	if _, err := s.CreateContainer(ctx, "A", root); !errors.Is(err, syncerr.ErrInvalidOperation) {
		t.Errorf("duplicate folder: got %v, want ErrInvalidOperation", err)
	}
	f, err := s.UploadFile(ctx, dirID, payload("main.tex", "\\documentclass{article}"))
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if f.ID != dirID+"/main.tex" || f.TypeTag != "application/x-tex" || f.Size != 23 {
		t.Errorf("uploaded entity = %+v", f)
	}

	top, err := s.ListChildren(ctx, root)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(top) != 1 || !top[0].IsContainer() || top[0].Name != "A" {
		t.Errorf("root children = %+v", top)
	}

	content, err := s.FetchContent(ctx, f.ID, f.TypeTag)
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	if !content.Text || string(content.Data) != "\\documentclass{article}" {
		t.Errorf("content = %+v", content)
	}

	if _, err := s.ListChildren(ctx, root+"/missing"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("missing container: got %v, want ErrNotFound", err)
	}
}

func TestRenameMoveDelete(t *testing.T) {
	s, root := newStore(t)
	ctx := context.Background()

	a, _ := s.CreateContainer(ctx, "A", root)
	b, _ := s.CreateContainer(ctx, "B", root)
	f, _ := s.UploadFile(ctx, a, payload("f1.txt", "one"))

	if err := s.RenameEntity(ctx, f.ID, "f2.txt"); err != nil {
		t.Fatalf("RenameEntity: %v", err)
	}
	kids, _ := s.ListChildren(ctx, a)
	if got := names(kids); len(got) != 1 || got[0] != "f2.txt" {
		t.Errorf("after rename = %v", got)
	}

	if err := s.MoveEntity(ctx, a, a+"/sub", root); !errors.Is(err, syncerr.ErrInvalidOperation) {
		t.Errorf("move into self: got %v, want ErrInvalidOperation", err)
	}
	if err := s.MoveEntity(ctx, a, b, root); err != nil {
		t.Fatalf("MoveEntity: %v", err)
	}
	moved, err := s.ListChildren(ctx, b+"/A")
	if err != nil {
		t.Fatalf("ListChildren moved: %v", err)
	}
	if got := names(moved); len(got) != 1 || got[0] != "f2.txt" {
		t.Errorf("moved children = %v", got)
	}

	if err := s.DeleteEntity(ctx, b); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	top, _ := s.ListChildren(ctx, root)
	if len(top) != 0 {
		t.Errorf("after delete root children = %v", names(top))
	}
}

func TestCopy(t *testing.T) {
	s, root := newStore(t)
	ctx := context.Background()

	a, _ := s.CreateContainer(ctx, "A", root)
	sub, _ := s.CreateContainer(ctx, "sub", a)
	f, _ := s.UploadFile(ctx, sub, payload("x.txt", "xyz"))

	cp, err := s.CopyEntity(ctx, f.ID, "y.txt", root)
	if err != nil {
		t.Fatalf("CopyEntity: %v", err)
	}
	if cp.Name != "y.txt" || cp.Size != 3 {
		t.Errorf("copy = %+v", cp)
	}
	if _, err := s.CopyEntity(ctx, a, "A2", root); !errors.Is(err, syncerr.ErrInvalidOperation) {
		t.Errorf("file copy of a folder: got %v, want ErrInvalidOperation", err)
	}

	dup, err := s.CopyContainer(ctx, a, "A2", root)
	if err != nil {
		t.Fatalf("CopyContainer: %v", err)
	}
	if !dup.IsContainer() {
		t.Errorf("container copy kind = %v", dup.Kind)
	}
	data, err := os.ReadFile(filepath.Join(s.rootPath, filepath.FromSlash(root), "A2", "sub", "x.txt"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(data) != "xyz" {
		t.Errorf("copied data = %q", data)
	}
	if _, err := s.CopyContainer(ctx, a, "inner", sub); !errors.Is(err, syncerr.ErrInvalidOperation) {
		t.Errorf("copy into itself: got %v, want ErrInvalidOperation", err)
	}
}

func TestDownload(t *testing.T) {
	s, root := newStore(t)
	ctx := context.Background()
	f, _ := s.UploadFile(ctx, root, payload("a.txt", "abc"))

	d, err := s.Download(ctx, f.ID, "a.txt", f.TypeTag)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer d.Body.Close()
	data, _ := io.ReadAll(d.Body)
	if string(data) != "abc" || d.Name != "a.txt" {
		t.Errorf("download = %q %q", d.Name, data)
	}
}

func TestBadIDs(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"", "../etc", "a//b", "a/./b", "a/"} {
		if _, err := s.ListChildren(ctx, id); !errors.Is(err, syncerr.ErrInvalidOperation) {
			t.Errorf("ListChildren(%q) error = %v, want ErrInvalidOperation", id, err)
		}
	}
}

func TestWriteFileAtomic_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	if err := WriteFileAtomic(dst, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "out.bin" {
		t.Errorf("dir entries = %v", entries)
	}
}
