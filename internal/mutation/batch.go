package mutation

import (
	"context"

	"github.com/fruitsalade/drivemirror/internal/syncerr"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

// Batch operation names.
const (
	OpDeleteBatch = "delete_batch"
	OpMoveBatch   = "move_batch"
)

// dedupe drops repeated ids, keeping first occurrences.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// batchResult collects per-item outcomes of a batch's remote calls.
type batchResult struct {
	op       string
	failures []*syncerr.OpError
	applied  []string
}

func (r *batchResult) record(e tree.Entry, err error) {
	if err != nil {
		r.failures = append(r.failures, &syncerr.OpError{Op: r.op, Item: e.LocalID, Name: e.Name, Err: syncerr.Remote(err)})
		return
	}
	r.applied = append(r.applied, e.LocalID)
}

func (r *batchResult) err() error {
	if len(r.failures) == 0 {
		return nil
	}
	return &syncerr.BatchError{Op: r.op, Failures: r.failures, MaybeApplied: r.applied}
}

// DeleteBatch deletes every id. Entries below another listed folder are
// covered by that folder. Remote calls continue past failures; if any item
// fails the local tree returns to its pre-batch state and the error is a
// *syncerr.BatchError naming the failed items and the ones already deleted
// remotely.
func (c *Coordinator) DeleteBatch(ctx context.Context, ids []string) (*Pending, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, syncerr.Invalid("nothing to delete")
	}

	return c.submit(ctx, OpDeleteBatch, ids, func(t *tree.Tree) (*plan, error) {
		var items []tree.Entry
		for _, id := range ids {
			e, err := confirmedEntry(t, id)
			if err != nil {
				return nil, &syncerr.OpError{Op: OpDelete, Item: id, Err: err}
			}
			if e.IsRoot() {
				return nil, &syncerr.OpError{Op: OpDelete, Item: id, Err: syncerr.Invalid("cannot delete the root")}
			}
			items = append(items, e)
		}
		items = outermost(t, items)

		next := t
		parents := make([]string, 0, len(items))
		for _, e := range items {
			var err error
			if next, _, err = next.Remove(e.LocalID); err != nil {
				return nil, &syncerr.OpError{Op: OpDelete, Item: e.LocalID, Name: e.Name, Err: err}
			}
			parents = append(parents, e.ParentID)
		}

		return &plan{
			entryID:    items[0].LocalID,
			name:       items[0].Name,
			namePath:   items[0].NamePath,
			optimistic: next,
			remote: func(ctx context.Context) (func(*tree.Tree) (*tree.Tree, error), error) {
				res := &batchResult{op: OpDelete}
				for _, e := range items {
					err := c.store.DeleteEntity(ctx, e.RemoteID)
					if err == nil {
						c.invalidate(ctx, e.NamePath)
					}
					res.record(e, err)
				}
				return nil, res.err()
			},
			refresh: parents,
		}, nil
	})
}

// outermost drops entries that lie below another entry of the set.
func outermost(t *tree.Tree, items []tree.Entry) []tree.Entry {
	in := make(map[string]bool, len(items))
	for _, e := range items {
		in[e.LocalID] = true
	}
	out := items[:0:0]
	for _, e := range items {
		covered := false
		for _, a := range t.Ancestors(e.LocalID) {
			if in[a.LocalID] {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, e)
		}
	}
	return out
}

// MoveBatch moves every id into targetID, in order. Validation failures
// reject the whole batch before any change. Remote failures behave as in
// DeleteBatch.
func (c *Coordinator) MoveBatch(ctx context.Context, ids []string, targetID string) (*Pending, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, syncerr.Invalid("nothing to move")
	}

	return c.submit(ctx, OpMoveBatch, ids, func(t *tree.Tree) (*plan, error) {
		type move struct {
			entry     tree.Entry
			oldParent string
			newPath   string
		}
		target, err := folder(t, targetID)
		if err != nil {
			return nil, err
		}

		var moves []move
		next := t
		refresh := []string{targetID}
		for _, id := range ids {
			// Each move is validated against the tree with the earlier moves
			// of the batch applied.
			e, _, err := validateMove(next, id, targetID)
			if err != nil {
				return nil, &syncerr.OpError{Op: OpMove, Item: id, Err: err}
			}
			oldParent, _ := next.FindByID(e.ParentID)
			if next, err = next.Move(id, targetID); err != nil {
				return nil, &syncerr.OpError{Op: OpMove, Item: id, Name: e.Name, Err: err}
			}
			if next, err = next.Update(id, markOptimistic); err != nil {
				return nil, &syncerr.OpError{Op: OpMove, Item: id, Name: e.Name, Err: err}
			}
			moved, _ := next.FindByID(id)
			moves = append(moves, move{entry: e, oldParent: oldParent.RemoteID, newPath: moved.NamePath})
			refresh = append(refresh, e.ParentID)
		}

		return &plan{
			entryID:    moves[0].entry.LocalID,
			name:       moves[0].entry.Name,
			namePath:   moves[0].entry.NamePath,
			optimistic: next,
			remote: func(ctx context.Context) (func(*tree.Tree) (*tree.Tree, error), error) {
				res := &batchResult{op: OpMove}
				for _, m := range moves {
					err := c.store.MoveEntity(ctx, m.entry.RemoteID, target.RemoteID, m.oldParent)
					if err == nil {
						c.invalidate(ctx, m.entry.NamePath, m.newPath)
					}
					res.record(m.entry, err)
				}
				if err := res.err(); err != nil {
					return nil, err
				}
				return settleFlags(ids...), nil
			},
			refresh: refresh,
		}, nil
	})
}
