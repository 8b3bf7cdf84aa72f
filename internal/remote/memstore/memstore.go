// Package memstore provides an in-memory remote.Store with fault injection,
// call counting and call gating. It backs the engine tests.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
)

// Operation names used by FailNext, Hold and Calls.
const (
	OpList     = "list"
	OpCreate   = "create"
	OpDelete   = "delete"
	OpRename   = "rename"
	OpMove     = "move"
	OpCopy     = "copy"
	OpUpload   = "upload"
	OpFetch    = "fetch"
	OpDownload = "download"
	OpResolve  = "resolve"
)

type node struct {
	entity   remote.Entity
	parent   string
	children []string
	data     []byte
}

// Store is an in-memory remote store.
type Store struct {
	mu      sync.Mutex
	nodes   map[string]*node
	roots   map[string]string
	nextID  int
	clock   time.Time
	failing map[string][]error
	holds   map[string]chan struct{}
	calls   map[string]int
}

// New creates an empty store.
func New() *Store {
	s := &Store{
		nodes:   make(map[string]*node),
		roots:   make(map[string]string),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		failing: make(map[string][]error),
		holds:   make(map[string]chan struct{}),
		calls:   make(map[string]int),
	}
	s.nodes[""] = &node{entity: remote.Entity{Kind: remote.KindContainer}}
	return s
}

// Type returns the backend name.
func (s *Store) Type() string {
	return "memory"
}

// FailNext makes the next call of op return err. Calls queue up; a nil
// err lets one call through.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[op] = append(s.failing[op], err)
}

// Hold blocks the next call of op until the returned release func is called.
func (s *Store) Hold(op string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[op] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter counts the call, waits on a hold and pops an injected failure.
// It returns with s.mu held when err is nil.
func (s *Store) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	hold := s.holds[op]
	delete(s.holds, op)
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	if errs := s.failing[op]; len(errs) > 0 {
		s.failing[op] = errs[1:]
		if errs[0] != nil {
			s.mu.Unlock()
			return errs[0]
		}
	}
	return nil
}

func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *Store) newID() string {
	s.nextID++
	return fmt.Sprintf("m%d", s.nextID)
}

func (s *Store) lookup(id string) (*node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, syncerr.Unavailable(fmt.Errorf("%w: remote id %q", syncerr.ErrNotFound, id))
	}
	return n, nil
}

func (s *Store) add(parentID, name string, kind remote.Kind, typeTag string, data []byte) (*node, error) {
	parent, err := s.lookup(parentID)
	if err != nil {
		return nil, err
	}
	if !parent.entity.IsContainer() {
		return nil, fmt.Errorf("parent %q is not a container", parentID)
	}
	now := s.tick()
	n := &node{
		entity: remote.Entity{
			ID:         s.newID(),
			Name:       name,
			Kind:       kind,
			TypeTag:    typeTag,
			Size:       int64(len(data)),
			CreatedAt:  now,
			ModifiedAt: now,
		},
		parent: parentID,
		data:   data,
	}
	s.nodes[n.entity.ID] = n
	parent.children = append(parent.children, n.entity.ID)
	return n, nil
}

func (s *Store) detach(n *node) {
	parent := s.nodes[n.parent]
	for i, c := range parent.children {
		if c == n.entity.ID {
			parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
			break
		}
	}
}

func (s *Store) isWithin(id, ancestor string) bool {
	for id != "" {
		if id == ancestor {
			return true
		}
		id = s.nodes[id].parent
	}
	return false
}

// AddFolder seeds a container and returns its id.
func (s *Store) AddFolder(parentID, name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.add(parentID, name, remote.KindContainer, "", nil)
	if err != nil {
		panic(err)
	}
	return n.entity.ID
}

// AddFile seeds a file and returns its id.
func (s *Store) AddFile(parentID, name, mimeType string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.add(parentID, name, remote.KindFile, mimeType, data)
	if err != nil {
		panic(err)
	}
	return n.entity.ID
}

// Touch bumps the modification time of id and optionally replaces its content.
func (s *Store) Touch(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[id]
	n.entity.ModifiedAt = s.tick()
	if data != nil {
		n.data = data
		n.entity.Size = int64(len(data))
	}
}

// Entity returns the current remote record for id.
func (s *Store) Entity(id string) (remote.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return remote.Entity{}, false
	}
	return n.entity, true
}

// ParentOf returns the parent id of id.
func (s *Store) ParentOf(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		return n.parent
	}
	return ""
}

func (s *Store) ListChildren(ctx context.Context, containerID string) ([]remote.Entity, error) {
	if err := s.enter(ctx, OpList); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	n, err := s.lookup(containerID)
	if err != nil {
		return nil, err
	}
	out := make([]remote.Entity, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, s.nodes[c].entity)
	}
	return out, nil
}

func (s *Store) CreateContainer(ctx context.Context, name, parentID string) (string, error) {
	if err := s.enter(ctx, OpCreate); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	n, err := s.add(parentID, name, remote.KindContainer, "", nil)
	if err != nil {
		return "", err
	}
	return n.entity.ID, nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	if err := s.enter(ctx, OpDelete); err != nil {
		return err
	}
	defer s.mu.Unlock()
	n, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.detach(n)
	var drop func(string)
	drop = func(id string) {
		for _, c := range s.nodes[id].children {
			drop(c)
		}
		delete(s.nodes, id)
	}
	drop(id)
	return nil
}

func (s *Store) RenameEntity(ctx context.Context, id, newName string) error {
	if err := s.enter(ctx, OpRename); err != nil {
		return err
	}
	defer s.mu.Unlock()
	n, err := s.lookup(id)
	if err != nil {
		return err
	}
	n.entity.Name = newName
	n.entity.ModifiedAt = s.tick()
	return nil
}

func (s *Store) MoveEntity(ctx context.Context, id, newParentID, oldParentID string) error {
	if err := s.enter(ctx, OpMove); err != nil {
		return err
	}
	defer s.mu.Unlock()
	n, err := s.lookup(id)
	if err != nil {
		return err
	}
	target, err := s.lookup(newParentID)
	if err != nil {
		return err
	}
	if n.parent != oldParentID {
		return fmt.Errorf("%q is not in %q", id, oldParentID)
	}
	if s.isWithin(newParentID, id) {
		return fmt.Errorf("cannot move %q below itself", id)
	}
	s.detach(n)
	n.parent = newParentID
	target.children = append(target.children, id)
	return nil
}

func (s *Store) CopyEntity(ctx context.Context, id, newName, destParentID string) (remote.Entity, error) {
	if err := s.enter(ctx, OpCopy); err != nil {
		return remote.Entity{}, err
	}
	defer s.mu.Unlock()
	src, err := s.lookup(id)
	if err != nil {
		return remote.Entity{}, err
	}
	if src.entity.IsContainer() {
		return remote.Entity{}, fmt.Errorf("%w: container copy", syncerr.ErrUnsupported)
	}
	n, err := s.add(destParentID, newName, remote.KindFile, src.entity.TypeTag, append([]byte(nil), src.data...))
	if err != nil {
		return remote.Entity{}, err
	}
	return n.entity, nil
}

func (s *Store) UploadFile(ctx context.Context, parentID string, p remote.Payload) (remote.Entity, error) {
	data, err := io.ReadAll(p.Reader())
	if err != nil {
		return remote.Entity{}, err
	}
	if err := s.enter(ctx, OpUpload); err != nil {
		return remote.Entity{}, err
	}
	defer s.mu.Unlock()
	n, err := s.add(parentID, p.Name, remote.KindFile, p.MimeType, data)
	if err != nil {
		return remote.Entity{}, err
	}
	return n.entity, nil
}

func (s *Store) FetchContent(ctx context.Context, id, typeTag string) (remote.Content, error) {
	if err := s.enter(ctx, OpFetch); err != nil {
		return remote.Content{}, err
	}
	defer s.mu.Unlock()
	n, err := s.lookup(id)
	if err != nil {
		return remote.Content{}, err
	}
	return remote.Content{
		Data: append([]byte(nil), n.data...),
		Text: remote.IsTextType(typeTag),
	}, nil
}

func (s *Store) Download(ctx context.Context, id, suggestedName, typeTag string) (*remote.Download, error) {
	if err := s.enter(ctx, OpDownload); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	n, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return &remote.Download{
		Name:     suggestedName,
		MimeType: typeTag,
		Body:     io.NopCloser(bytes.NewReader(append([]byte(nil), n.data...))),
	}, nil
}

func (s *Store) ResolveRootContainer(ctx context.Context, contextKey string) (string, error) {
	if err := s.enter(ctx, OpResolve); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	if id, ok := s.roots[contextKey]; ok {
		return id, nil
	}
	n, err := s.add("", "TexFlow-"+contextKey, remote.KindContainer, "", nil)
	if err != nil {
		return "", err
	}
	s.roots[contextKey] = n.entity.ID
	return n.entity.ID, nil
}
