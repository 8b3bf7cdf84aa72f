package mutation

import (
	"context"
	"fmt"

	"github.com/fruitsalade/drivemirror/internal/remote"
)

// Request is one user intent. The set of variants is closed; each carries
// exactly the fields its operation needs.
type Request interface {
	op() string
}

// UploadRequest uploads Payload into Parent.
type UploadRequest struct {
	Parent  string
	Payload remote.Payload
}

// CreateFolderRequest creates folder Name in Parent.
type CreateFolderRequest struct {
	Parent string
	Name   string
}

// DeleteRequest deletes the listed entries. A single id is a plain delete.
type DeleteRequest struct {
	IDs []string
}

// RenameRequest renames ID to Name.
type RenameRequest struct {
	ID   string
	Name string
}

// MoveRequest moves the listed entries into Target.
type MoveRequest struct {
	IDs    []string
	Target string
}

// CopyRequest copies ID into Target, as Name when set.
type CopyRequest struct {
	ID     string
	Target string
	Name   string
}

func (UploadRequest) op() string       { return OpUpload }
func (CreateFolderRequest) op() string { return OpCreateFolder }
func (DeleteRequest) op() string       { return OpDelete }
func (RenameRequest) op() string       { return OpRename }
func (MoveRequest) op() string         { return OpMove }
func (CopyRequest) op() string         { return OpCopy }

// Submit dispatches a request to its operation.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Pending, error) {
	switch r := req.(type) {
	case UploadRequest:
		return c.Upload(ctx, r.Parent, r.Payload)
	case CreateFolderRequest:
		return c.CreateFolder(ctx, r.Parent, r.Name)
	case DeleteRequest:
		if len(r.IDs) == 1 {
			return c.Delete(ctx, r.IDs[0])
		}
		return c.DeleteBatch(ctx, r.IDs)
	case RenameRequest:
		return c.Rename(ctx, r.ID, r.Name)
	case MoveRequest:
		if len(r.IDs) == 1 {
			return c.Move(ctx, r.IDs[0], r.Target)
		}
		return c.MoveBatch(ctx, r.IDs, r.Target)
	case CopyRequest:
		return c.Copy(ctx, r.ID, r.Target, r.Name)
	}
	return nil, fmt.Errorf("unknown request %T", req)
}
