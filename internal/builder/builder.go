// Package builder walks a remote store and produces flat tree entries.
package builder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/metrics"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

// DefaultConcurrency bounds in-flight listing calls.
const DefaultConcurrency = 8

// Builder lists remote containers, issuing sibling listings concurrently.
type Builder struct {
	store       remote.Store
	concurrency int
}

// New creates a builder. concurrency <= 0 uses DefaultConcurrency.
func New(store remote.Store, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Builder{store: store, concurrency: concurrency}
}

// Store returns the remote store the builder lists.
func (b *Builder) Store() remote.Store {
	return b.store
}

// EntryFromEntity maps a remote entity to a confirmed entry under parentID.
// Path fields are derived when the entry joins a tree.
func EntryFromEntity(e remote.Entity, parentID string) tree.Entry {
	entry := tree.Entry{
		LocalID:     e.ID,
		RemoteID:    e.ID,
		Name:        e.Name,
		IsContainer: e.IsContainer(),
		ParentID:    parentID,
		Size:        e.Size,
		CreatedAt:   e.CreatedAt,
		ModifiedAt:  e.ModifiedAt,
	}
	if !entry.IsContainer {
		entry.MimeOrType = e.TypeTag
	}
	return entry
}

// Build lists everything below rootRemoteID and returns the full snapshot,
// with the root mapped to tree.RootID. Any listing failure discards the
// partial result and surfaces syncerr.ErrRemoteUnavailable.
func (b *Builder) Build(ctx context.Context, rootRemoteID, rootName string) (*tree.Tree, error) {
	start := time.Now()
	logging.WithContext(ctx).Info("building tree", logging.String("root_remote_id", rootRemoteID))

	entries, err := b.Subtree(ctx, tree.RootID, rootRemoteID, true)
	if err != nil {
		logging.WithContext(ctx).Error("tree build failed", logging.Err(err))
		return nil, err
	}

	all := make([]tree.Entry, 0, len(entries)+1)
	all = append(all, tree.NewRoot(rootRemoteID, rootName))
	all = append(all, entries...)
	t, err := tree.New(all)
	if err != nil {
		return nil, fmt.Errorf("assemble tree: %w", err)
	}

	elapsed := time.Since(start)
	metrics.RecordTreeBuild(elapsed)
	metrics.SetTreeSize(t.Len())
	logging.WithContext(ctx).Info("tree built",
		logging.Int("entries", t.Len()),
		logging.Duration("duration", elapsed),
	)
	return t, nil
}

// Subtree lists the children of the container remoteID, mapped under the
// local parent parentLocalID. With deep set, containers are walked
// recursively. Entries are returned parents first. An entity reachable
// through more than one parent is kept only at its first position.
func (b *Builder) Subtree(ctx context.Context, parentLocalID, remoteID string, deep bool) ([]tree.Entry, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(b.concurrency))

	var mu sync.Mutex
	listed := make(map[string][]tree.Entry)
	seen := map[string]bool{remoteID: true}

	var visit func(localID, remoteID string)
	visit = func(localID, remoteID string) {
		g.Go(func() error {
			// The semaphore only bounds the listing call so that child
			// goroutines waiting for a slot never hold one.
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			children, err := b.store.ListChildren(gctx, remoteID)
			sem.Release(1)
			if err != nil {
				return fmt.Errorf("list %s: %w", remoteID, err)
			}

			entries := make([]tree.Entry, 0, len(children))
			var descend []tree.Entry
			mu.Lock()
			for _, c := range children {
				e := EntryFromEntity(c, localID)
				entries = append(entries, e)
				if deep && e.IsContainer && !seen[c.ID] {
					seen[c.ID] = true
					descend = append(descend, e)
				}
			}
			listed[localID] = entries
			mu.Unlock()

			for _, e := range descend {
				visit(e.LocalID, e.RemoteID)
			}
			return nil
		})
	}
	visit(parentLocalID, remoteID)

	if err := g.Wait(); err != nil {
		return nil, syncerr.Unavailable(err)
	}

	out := make([]tree.Entry, 0, len(listed))
	emitted := map[string]bool{parentLocalID: true, remoteID: true}
	var walk func(localID string)
	walk = func(localID string) {
		for _, e := range listed[localID] {
			if emitted[e.LocalID] {
				continue
			}
			emitted[e.LocalID] = true
			out = append(out, e)
			if e.IsContainer {
				walk(e.LocalID)
			}
		}
	}
	walk(parentLocalID)
	return out, nil
}
