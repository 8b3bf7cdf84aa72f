// Package localfs provides a remote.Store over a local directory.
package localfs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

// Config holds local directory backend settings.
type Config struct {
	RootPath   string
	RootFolder string // top-level folder holding one subfolder per context key
	CreateDirs bool
}

// Store implements remote.Store and remote.FolderCopier on the local
// filesystem. Entity ids are slash paths relative to the root path.
type Store struct {
	rootPath   string
	rootFolder string
}

// New creates a local directory store.
func New(cfg Config) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	if cfg.RootFolder == "" {
		cfg.RootFolder = "TexFlow"
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Store{rootPath: cfg.RootPath, rootFolder: cfg.RootFolder}, nil
}

// Type returns "local".
func (s *Store) Type() string { return "local" }

func (s *Store) fullPath(id string) (string, error) {
	clean := path.Clean("/" + id)
	if clean == "/" || clean != "/"+id {
		return "", syncerr.Invalid("bad local id %q", id)
	}
	return filepath.Join(s.rootPath, filepath.FromSlash(id)), nil
}

func childID(parentID, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", syncerr.Invalid("bad name %q", name)
	}
	return parentID + "/" + name, nil
}

func statErr(id string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, id)
	}
	return fmt.Errorf("stat %s: %w", id, err)
}

func toEntity(id string, info os.FileInfo) remote.Entity {
	e := remote.Entity{
		ID:         id,
		Name:       info.Name(),
		CreatedAt:  info.ModTime(),
		ModifiedAt: info.ModTime(),
	}
	if info.IsDir() {
		e.Kind = remote.KindContainer
		return e
	}
	e.Kind = remote.KindFile
	e.Size = info.Size()
	e.TypeTag = typeOf(info.Name())
	return e
}

func typeOf(name string) string {
	ext := filepath.Ext(name)
	if ext == ".tex" {
		return "application/x-tex"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}

func (s *Store) entity(id string) (remote.Entity, error) {
	p, err := s.fullPath(id)
	if err != nil {
		return remote.Entity{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return remote.Entity{}, statErr(id, err)
	}
	return toEntity(id, info), nil
}

func (s *Store) ListChildren(_ context.Context, containerID string) ([]remote.Entity, error) {
	p, err := s.fullPath(containerID)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(p)
	if err != nil {
		return nil, statErr(containerID, err)
	}
	out := make([]remote.Entity, 0, len(dirents))
	for _, d := range dirents {
		if isTempName(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat %s/%s: %w", containerID, d.Name(), err)
		}
		out = append(out, toEntity(containerID+"/"+d.Name(), info))
	}
	return out, nil
}

func (s *Store) CreateContainer(_ context.Context, name, parentID string) (string, error) {
	id, err := childID(parentID, name)
	if err != nil {
		return "", err
	}
	p, err := s.fullPath(id)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(p, 0755); err != nil {
		if os.IsExist(err) {
			return "", syncerr.Invalid("%q already exists", id)
		}
		return "", fmt.Errorf("mkdir %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) DeleteEntity(_ context.Context, id string) error {
	p, err := s.fullPath(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) rename(id, newID string) error {
	from, err := s.fullPath(id)
	if err != nil {
		return err
	}
	to, err := s.fullPath(newID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); err != nil {
		return statErr(id, err)
	}
	if _, err := os.Lstat(to); err == nil {
		return syncerr.Invalid("%q already exists", newID)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", id, newID, err)
	}
	return nil
}

func (s *Store) RenameEntity(_ context.Context, id, newName string) error {
	newID, err := childID(path.Dir(id), newName)
	if err != nil {
		return err
	}
	return s.rename(id, newID)
}

func (s *Store) MoveEntity(_ context.Context, id, newParentID, oldParentID string) error {
	if path.Dir(id) != oldParentID {
		return syncerr.Invalid("%q is not in %q", id, oldParentID)
	}
	if newParentID == id || strings.HasPrefix(newParentID, id+"/") {
		return syncerr.Invalid("cannot move %q below itself", id)
	}
	newID, err := childID(newParentID, path.Base(id))
	if err != nil {
		return err
	}
	return s.rename(id, newID)
}

func (s *Store) CopyEntity(_ context.Context, id, newName, destParentID string) (remote.Entity, error) {
	src, err := s.entity(id)
	if err != nil {
		return remote.Entity{}, err
	}
	if src.IsContainer() {
		return remote.Entity{}, syncerr.Invalid("%q is a folder", id)
	}
	dstID, err := childID(destParentID, newName)
	if err != nil {
		return remote.Entity{}, err
	}
	if err := s.copyFile(id, dstID); err != nil {
		return remote.Entity{}, err
	}
	return s.entity(dstID)
}

// CopyContainer copies a directory tree natively.
func (s *Store) CopyContainer(ctx context.Context, id, newName, destParentID string) (remote.Entity, error) {
	dstID, err := childID(destParentID, newName)
	if err != nil {
		return remote.Entity{}, err
	}
	if dstID == id || strings.HasPrefix(destParentID+"/", id+"/") {
		return remote.Entity{}, syncerr.Invalid("cannot copy %q into itself", id)
	}
	if err := s.copyTree(ctx, id, dstID); err != nil {
		return remote.Entity{}, err
	}
	return s.entity(dstID)
}

func (s *Store) copyTree(ctx context.Context, srcID, dstID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.CreateContainer(ctx, path.Base(dstID), path.Dir(dstID)); err != nil {
		return err
	}
	children, err := s.ListChildren(ctx, srcID)
	if err != nil {
		return err
	}
	for _, c := range children {
		target := dstID + "/" + c.Name
		if c.IsContainer() {
			err = s.copyTree(ctx, c.ID, target)
		} else {
			err = s.copyFile(c.ID, target)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) copyFile(srcID, dstID string) error {
	srcPath, err := s.fullPath(srcID)
	if err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return statErr(srcID, err)
	}
	defer src.Close()
	return s.writeAtomic(dstID, src)
}

// writeAtomic writes body to id through a temp file and a rename.
func (s *Store) writeAtomic(id string, body io.Reader) error {
	dst, err := s.fullPath(id)
	if err != nil {
		return err
	}
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		return syncerr.Invalid("%q is a folder", id)
	}
	return WriteFileAtomic(dst, body)
}

// WriteFileAtomic writes body to dst via a temp file in the same directory
// followed by a rename, so readers never observe a partial file.
func WriteFileAtomic(dst string, body io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", dst, err)
	}
	return nil
}

const tempPattern = ".drivemirror-*.tmp"

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".drivemirror-") && strings.HasSuffix(name, ".tmp")
}

func (s *Store) UploadFile(_ context.Context, parentID string, p remote.Payload) (remote.Entity, error) {
	id, err := childID(parentID, p.Name)
	if err != nil {
		return remote.Entity{}, err
	}
	if err := s.writeAtomic(id, p.Reader()); err != nil {
		return remote.Entity{}, err
	}
	return s.entity(id)
}

func (s *Store) FetchContent(_ context.Context, id, typeTag string) (remote.Content, error) {
	p, err := s.fullPath(id)
	if err != nil {
		return remote.Content{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return remote.Content{}, statErr(id, err)
	}
	return remote.Content{Data: data, Text: remote.IsTextType(typeTag)}, nil
}

func (s *Store) Download(_ context.Context, id, suggestedName, typeTag string) (*remote.Download, error) {
	p, err := s.fullPath(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, statErr(id, err)
	}
	return &remote.Download{Name: suggestedName, MimeType: typeTag, Body: f}, nil
}

// ResolveRootContainer creates <RootFolder>/<RootFolder>-<contextKey> if needed.
func (s *Store) ResolveRootContainer(_ context.Context, contextKey string) (string, error) {
	if contextKey == "" || strings.ContainsAny(contextKey, `/\`) {
		return "", syncerr.Invalid("bad context key %q", contextKey)
	}
	id := s.rootFolder + "/" + s.rootFolder + "-" + contextKey
	p, err := s.fullPath(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return "", fmt.Errorf("create root %s: %w", id, err)
	}
	return id, nil
}
