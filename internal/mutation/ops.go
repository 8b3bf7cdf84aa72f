package mutation

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/drivemirror/internal/builder"
	"github.com/fruitsalade/drivemirror/internal/contentcache"
	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

// Operation names used in errors, logs, events and metrics.
const (
	OpUpload       = "upload"
	OpCreateFolder = "create_folder"
	OpDelete       = "delete"
	OpRename       = "rename"
	OpMove         = "move"
	OpCopy         = "copy"
)

// confirm replaces the optimistic entry tempID by the confirmed remote entity.
func confirm(tempID string, ent remote.Entity, parentID string) func(*tree.Tree) (*tree.Tree, error) {
	return func(t *tree.Tree) (*tree.Tree, error) {
		next, _, err := t.Remove(tempID)
		if err != nil {
			return nil, err
		}
		if _, exists := next.FindByID(ent.ID); exists {
			return next, nil
		}
		return next.Insert(builder.EntryFromEntity(ent, parentID))
	}
}

// settleFlags clears the optimistic flag of ids that are still present.
func settleFlags(ids ...string) func(*tree.Tree) (*tree.Tree, error) {
	return func(t *tree.Tree) (*tree.Tree, error) {
		for _, id := range ids {
			if _, ok := t.FindByID(id); !ok {
				continue
			}
			next, err := t.Update(id, func(e *tree.Entry) { e.Optimistic = false })
			if err != nil {
				return nil, err
			}
			t = next
		}
		return t, nil
	}
}

func markOptimistic(e *tree.Entry) {
	e.Optimistic = true
}

// invalidate drops cached content at each name path and below it.
func (c *Coordinator) invalidate(ctx context.Context, namePaths ...string) {
	if c.cache == nil {
		return
	}
	for _, p := range namePaths {
		if _, err := c.cache.InvalidatePrefix(ctx, p); err != nil {
			logging.WithContext(ctx).Warn("cache invalidation failed", logging.NamePath(p), logging.Err(err))
		}
	}
}

// Upload stores p as a new file in parentID. The optimistic entry is sized
// from the payload. On success the cache is primed from the payload.
func (c *Coordinator) Upload(ctx context.Context, parentID string, p remote.Payload) (*Pending, error) {
	if err := validName(p.Name); err != nil {
		return nil, err
	}
	if p.Body == nil {
		return nil, syncerr.Invalid("upload %q has no body", p.Name)
	}

	return c.submit(ctx, OpUpload, nil, func(t *tree.Tree) (*plan, error) {
		parent, err := folder(t, parentID)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		tempID := tree.TempUploadPrefix + uuid.NewString()
		next, err := t.Insert(tree.Entry{
			LocalID:    tempID,
			Name:       p.Name,
			ParentID:   parentID,
			MimeOrType: p.MimeType,
			Size:       p.Size,
			CreatedAt:  now,
			ModifiedAt: now,
			Optimistic: true,
		})
		if err != nil {
			return nil, err
		}

		namePath := tree.ChildNamePath(parent.NamePath, p.Name)
		var uploaded remote.Entity
		return &plan{
			entryID:    tempID,
			name:       p.Name,
			namePath:   namePath,
			optimistic: next,
			remote: func(ctx context.Context) (func(*tree.Tree) (*tree.Tree, error), error) {
				ent, err := c.store.UploadFile(ctx, parent.RemoteID, p)
				if err != nil {
					return nil, err
				}
				uploaded = ent
				return confirm(tempID, ent, parentID), nil
			},
			after: func(ctx context.Context) {
				c.invalidate(ctx, namePath)
				c.prime(ctx, tree.ChildNamePath(parent.NamePath, uploaded.Name), uploaded, p)
			},
			refresh: []string{parentID},
		}, nil
	})
}

// prime stores an uploaded payload in the cache so the first read does not
// download it again.
func (c *Coordinator) prime(ctx context.Context, namePath string, ent remote.Entity, p remote.Payload) {
	if c.cache == nil || p.Size > c.cfg.PrimeLimit {
		return
	}
	data, err := io.ReadAll(p.Reader())
	if err != nil {
		logging.WithContext(ctx).Warn("reading upload for cache failed", logging.NamePath(namePath), logging.Err(err))
		return
	}
	item := contentcache.Item{Data: data, Text: remote.IsTextType(ent.TypeTag), ModifiedAt: ent.ModifiedAt}
	if err := c.cache.Put(ctx, namePath, item); err != nil {
		logging.WithContext(ctx).Warn("priming cache failed", logging.NamePath(namePath), logging.Err(err))
	}
}

// CreateFolder creates a folder named name in parentID.
func (c *Coordinator) CreateFolder(ctx context.Context, parentID, name string) (*Pending, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	return c.submit(ctx, OpCreateFolder, nil, func(t *tree.Tree) (*plan, error) {
		parent, err := folder(t, parentID)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		tempID := tree.TempFolderPrefix + uuid.NewString()
		next, err := t.Insert(tree.Entry{
			LocalID:     tempID,
			Name:        name,
			IsContainer: true,
			ParentID:    parentID,
			CreatedAt:   now,
			ModifiedAt:  now,
			Optimistic:  true,
		})
		if err != nil {
			return nil, err
		}

		return &plan{
			entryID:    tempID,
			name:       name,
			namePath:   tree.ChildNamePath(parent.NamePath, name),
			optimistic: next,
			remote: func(ctx context.Context) (func(*tree.Tree) (*tree.Tree, error), error) {
				id, err := c.store.CreateContainer(ctx, name, parent.RemoteID)
				if err != nil {
					return nil, err
				}
				ent := remote.Entity{ID: id, Name: name, Kind: remote.KindContainer, CreatedAt: now, ModifiedAt: now}
				return confirm(tempID, ent, parentID), nil
			},
			refresh: []string{parentID},
		}, nil
	})
}

// Delete removes id and, for a folder, everything below it.
func (c *Coordinator) Delete(ctx context.Context, id string) (*Pending, error) {
	return c.submit(ctx, OpDelete, []string{id}, func(t *tree.Tree) (*plan, error) {
		e, err := confirmedEntry(t, id)
		if err != nil {
			return nil, err
		}
		if e.IsRoot() {
			return nil, syncerr.Invalid("cannot delete the root")
		}
		next, _, err := t.Remove(id)
		if err != nil {
			return nil, err
		}

		return &plan{
			entryID:    id,
			name:       e.Name,
			namePath:   e.NamePath,
			optimistic: next,
			remote: func(ctx context.Context) (func(*tree.Tree) (*tree.Tree, error), error) {
				return nil, c.store.DeleteEntity(ctx, e.RemoteID)
			},
			after:   func(ctx context.Context) { c.invalidate(ctx, e.NamePath) },
			refresh: []string{e.ParentID},
		}, nil
	})
}

// Rename changes the display name of id. Paths are id based and stay put.
func (c *Coordinator) Rename(ctx context.Context, id, newName string) (*Pending, error) {
	if err := validName(newName); err != nil {
		return nil, err
	}

	return c.submit(ctx, OpRename, []string{id}, func(t *tree.Tree) (*plan, error) {
		e, err := confirmedEntry(t, id)
		if err != nil {
			return nil, err
		}
		if e.IsRoot() {
			return nil, syncerr.Invalid("cannot rename the root")
		}
		next, err := t.Update(id, func(ent *tree.Entry) {
			ent.Name = newName
			ent.Optimistic = true
		})
		if err != nil {
			return nil, err
		}
		renamed, _ := next.FindByID(id)

		return &plan{
			entryID:    id,
			name:       e.Name,
			namePath:   e.NamePath,
			optimistic: next,
			remote: func(ctx context.Context) (func(*tree.Tree) (*tree.Tree, error), error) {
				if err := c.store.RenameEntity(ctx, e.RemoteID, newName); err != nil {
					return nil, err
				}
				return settleFlags(id), nil
			},
			after:   func(ctx context.Context) { c.invalidate(ctx, e.NamePath, renamed.NamePath) },
			refresh: []string{e.ParentID},
		}, nil
	})
}

// Move re-parents id under targetID. Moving an entry into itself or one of
// its descendants is rejected.
func (c *Coordinator) Move(ctx context.Context, id, targetID string) (*Pending, error) {
	return c.submit(ctx, OpMove, []string{id}, func(t *tree.Tree) (*plan, error) {
		e, target, err := validateMove(t, id, targetID)
		if err != nil {
			return nil, err
		}
		oldParent, _ := t.FindByID(e.ParentID)
		next, err := t.Move(id, targetID)
		if err != nil {
			return nil, err
		}
		next, err = next.Update(id, markOptimistic)
		if err != nil {
			return nil, err
		}
		moved, _ := next.FindByID(id)

		return &plan{
			entryID:    id,
			name:       e.Name,
			namePath:   e.NamePath,
			optimistic: next,
			remote: func(ctx context.Context) (func(*tree.Tree) (*tree.Tree, error), error) {
				if err := c.store.MoveEntity(ctx, e.RemoteID, target.RemoteID, oldParent.RemoteID); err != nil {
					return nil, err
				}
				return settleFlags(id), nil
			},
			after:   func(ctx context.Context) { c.invalidate(ctx, e.NamePath, moved.NamePath) },
			refresh: []string{e.ParentID, targetID},
		}, nil
	})
}

// validateMove checks a single move against t and returns the moved entry
// and the target folder.
func validateMove(t *tree.Tree, id, targetID string) (tree.Entry, tree.Entry, error) {
	e, err := confirmedEntry(t, id)
	if err != nil {
		return tree.Entry{}, tree.Entry{}, err
	}
	if e.IsRoot() {
		return tree.Entry{}, tree.Entry{}, syncerr.Invalid("cannot move the root")
	}
	target, err := folder(t, targetID)
	if err != nil {
		return tree.Entry{}, tree.Entry{}, err
	}
	if within(target, e) {
		return tree.Entry{}, tree.Entry{}, syncerr.Invalid("cannot move %q into itself or its descendant", e.Name)
	}
	if e.ParentID == targetID {
		return tree.Entry{}, tree.Entry{}, syncerr.Invalid("%q is already in %q", e.Name, target.Name)
	}
	return e, target, nil
}

// Copy copies id into targetID as newName, or under its own name when
// newName is empty. Folders follow the configured FolderCopyPolicy.
func (c *Coordinator) Copy(ctx context.Context, id, targetID, newName string) (*Pending, error) {
	return c.submit(ctx, OpCopy, nil, func(t *tree.Tree) (*plan, error) {
		e, err := confirmedEntry(t, id)
		if err != nil {
			return nil, err
		}
		if e.IsRoot() {
			return nil, syncerr.Invalid("cannot copy the root")
		}
		target, err := folder(t, targetID)
		if err != nil {
			return nil, err
		}
		name := newName
		if name == "" {
			name = e.Name
		}
		if err := validName(name); err != nil {
			return nil, err
		}
		if e.IsContainer {
			if c.cfg.FolderCopy == FolderCopyReject {
				return nil, fmt.Errorf("%w: folder copy is disabled", syncerr.ErrUnsupported)
			}
			if within(target, e) {
				return nil, syncerr.Invalid("cannot copy %q into itself or its descendant", e.Name)
			}
		}

		tempID := tree.TempCopyPrefix + uuid.NewString()
		next, err := t.Insert(tree.Entry{
			LocalID:     tempID,
			Name:        name,
			IsContainer: e.IsContainer,
			ParentID:    targetID,
			MimeOrType:  e.MimeOrType,
			Size:        e.Size,
			CreatedAt:   time.Now().UTC(),
			ModifiedAt:  e.ModifiedAt,
			Optimistic:  true,
		})
		if err != nil {
			return nil, err
		}

		namePath := tree.ChildNamePath(target.NamePath, name)
		return &plan{
			entryID:    tempID,
			name:       name,
			namePath:   namePath,
			optimistic: next,
			remote: func(ctx context.Context) (func(*tree.Tree) (*tree.Tree, error), error) {
				ent, err := c.copyRemote(ctx, e, name, target.RemoteID)
				if err != nil {
					return nil, err
				}
				return confirm(tempID, ent, targetID), nil
			},
			after:   func(ctx context.Context) { c.invalidate(ctx, namePath) },
			refresh: []string{targetID},
		}, nil
	})
}

func (c *Coordinator) copyRemote(ctx context.Context, e tree.Entry, name, destID string) (remote.Entity, error) {
	if !e.IsContainer {
		return c.store.CopyEntity(ctx, e.RemoteID, name, destID)
	}
	if fc, ok := c.store.(remote.FolderCopier); ok {
		return fc.CopyContainer(ctx, e.RemoteID, name, destID)
	}
	return c.copyTree(ctx, e.RemoteID, name, destID)
}

// copyTree copies a container on stores without a native folder copy: the
// source is listed first, then the folder is created and each child copied.
func (c *Coordinator) copyTree(ctx context.Context, srcID, name, destID string) (remote.Entity, error) {
	children, err := c.store.ListChildren(ctx, srcID)
	if err != nil {
		return remote.Entity{}, fmt.Errorf("list %s: %w", name, err)
	}
	id, err := c.store.CreateContainer(ctx, name, destID)
	if err != nil {
		return remote.Entity{}, fmt.Errorf("create %s: %w", name, err)
	}
	for _, ch := range children {
		if ch.IsContainer() {
			_, err = c.copyTree(ctx, ch.ID, ch.Name, id)
		} else {
			_, err = c.store.CopyEntity(ctx, ch.ID, ch.Name, id)
		}
		if err != nil {
			return remote.Entity{}, fmt.Errorf("copy %s/%s: %w", name, ch.Name, err)
		}
	}
	now := time.Now().UTC()
	return remote.Entity{ID: id, Name: name, Kind: remote.KindContainer, CreatedAt: now, ModifiedAt: now}, nil
}
