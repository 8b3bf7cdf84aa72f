package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fruitsalade/drivemirror/internal/config"
	"github.com/fruitsalade/drivemirror/internal/refresher"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.in); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrintTree(t *testing.T) {
	tr, err := tree.New([]tree.Entry{
		tree.NewRoot("r", "thesis"),
		{LocalID: "b", RemoteID: "b", Name: "main.tex", ParentID: tree.RootID},
		{LocalID: "a", RemoteID: "a", Name: "chapters", IsContainer: true, ParentID: tree.RootID},
		{LocalID: "c", RemoteID: "c", Name: "intro.tex", ParentID: "a"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	printTree(&buf, tr, tree.RootID, "")
	want := "├── chapters/\n│   └── intro.tex\n└── main.tex\n"
	if got := buf.String(); got != want {
		t.Errorf("printTree =\n%s\nwant\n%s", got, want)
	}
}

func TestOpenApp_LocalBackend(t *testing.T) {
	root := t.TempDir()
	seed := filepath.Join(root, "TexFlow", "TexFlow-paper", "chapters")
	if err := os.MkdirAll(seed, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(seed, "intro.tex"), []byte("\\intro"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg = &config.Config{
		Backend:         config.BackendLocal,
		ContextKey:      "paper",
		RootFolder:      "TexFlow",
		RefreshMode:     refresher.Deep,
		ListConcurrency: 2,
		CacheDir:        t.TempDir(),
		LocalRoot:       root,
	}
	t.Cleanup(func() { cfg = nil })

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	e, err := a.resolve("/chapters/intro.tex")
	if err != nil {
		t.Fatal(err)
	}
	content, err := a.coord.FetchContent(ctx, e.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if string(content.Data) != "\\intro" {
		t.Errorf("content = %q, want %q", content.Data, "\\intro")
	}
	if _, err := a.resolve("/missing"); err == nil {
		t.Error("resolve(/missing) succeeded")
	}
}
