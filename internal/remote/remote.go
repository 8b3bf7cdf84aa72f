// Package remote defines the contract between the mirror engine and a
// remote hierarchical store. The remote is the sole source of truth.
package remote

import (
	"context"
	"io"
	"strings"
	"time"
)

// Kind distinguishes containers from files.
type Kind int

const (
	KindFile Kind = iota
	KindContainer
)

func (k Kind) String() string {
	if k == KindContainer {
		return "container"
	}
	return "file"
}

// Entity is one remote object as reported by a listing or a create call.
type Entity struct {
	ID         string
	Name       string
	Kind       Kind
	TypeTag    string // mime type for files; empty or backend-specific for containers
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// IsContainer reports whether the entity can hold children.
func (e Entity) IsContainer() bool {
	return e.Kind == KindContainer
}

// Payload is the content of a file to upload. Body is read in chunks, so
// large payloads never need to be held in memory.
type Payload struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.ReaderAt
}

// Reader returns a sequential reader over the whole payload.
func (p Payload) Reader() io.Reader {
	return io.NewSectionReader(p.Body, 0, p.Size)
}

// Content is fetched file content. Text is set for exported documents and
// textual types.
type Content struct {
	Data []byte
	Text bool
}

// Download is a file body to be saved under Name.
type Download struct {
	Name     string
	MimeType string
	Body     io.ReadCloser
}

// Store is the remote store client.
type Store interface {
	// ListChildren returns the immediate children of a container.
	ListChildren(ctx context.Context, containerID string) ([]Entity, error)

	// CreateContainer creates a container and returns its id.
	CreateContainer(ctx context.Context, name, parentID string) (string, error)

	// DeleteEntity removes a file or a container with everything below it.
	DeleteEntity(ctx context.Context, id string) error

	// RenameEntity changes the display name of an entity.
	RenameEntity(ctx context.Context, id, newName string) error

	// MoveEntity re-parents an entity.
	MoveEntity(ctx context.Context, id, newParentID, oldParentID string) error

	// CopyEntity copies a file into destParentID under newName.
	CopyEntity(ctx context.Context, id, newName, destParentID string) (Entity, error)

	// UploadFile stores a new file under parentID.
	UploadFile(ctx context.Context, parentID string, p Payload) (Entity, error)

	// FetchContent returns the content of a file, exporting documents where needed.
	FetchContent(ctx context.Context, id, typeTag string) (Content, error)

	// Download opens a file body for saving locally. Documents are exported
	// and the returned name carries the export extension.
	Download(ctx context.Context, id, suggestedName, typeTag string) (*Download, error)

	// ResolveRootContainer finds or creates the mirrored root for contextKey.
	ResolveRootContainer(ctx context.Context, contextKey string) (string, error)
}

// FolderCopier is implemented by stores with a native container copy.
type FolderCopier interface {
	CopyContainer(ctx context.Context, id, newName, destParentID string) (Entity, error)
}

// Named is implemented by stores that report a backend name for logs and metrics.
type Named interface {
	Type() string
}

// BackendName returns the backend name of s, or "remote".
func BackendName(s Store) string {
	if n, ok := s.(Named); ok {
		return n.Type()
	}
	return "remote"
}

// IsTextType reports whether content of this mime type is handled as text.
func IsTextType(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") ||
		mimeType == "application/json" ||
		mimeType == "application/x-tex" ||
		mimeType == "application/x-latex"
}
