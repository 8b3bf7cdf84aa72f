// Package mutation owns the flat tree of one mirrored root and applies user
// operations to it: optimistic local change, remote call, reconciliation of
// the affected folders and rollback on failure.
//
// All writes to the tree run on a single sequence guarded by a FIFO gate. An
// operation holds the gate from its optimistic change until it has been
// confirmed or rolled back, so the next operation always reads a settled
// tree. Readers use Snapshot, which never blocks on the gate.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/drivemirror/internal/builder"
	"github.com/fruitsalade/drivemirror/internal/contentcache"
	"github.com/fruitsalade/drivemirror/internal/events"
	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/metrics"
	"github.com/fruitsalade/drivemirror/internal/refresher"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("coordinator closed")

var errNotLoaded = syncerr.Invalid("tree not loaded")

// FolderCopyPolicy decides how containers are copied.
type FolderCopyPolicy string

const (
	// FolderCopyRecursive copies containers natively when the store can,
	// otherwise by creating the folder and copying every child.
	FolderCopyRecursive FolderCopyPolicy = "recursive"
	// FolderCopyReject refuses container copies with ErrUnsupported.
	FolderCopyReject FolderCopyPolicy = "reject"
)

// ParseFolderCopyPolicy converts a configuration value. Empty means recursive.
func ParseFolderCopyPolicy(s string) (FolderCopyPolicy, error) {
	switch FolderCopyPolicy(s) {
	case "", FolderCopyRecursive:
		return FolderCopyRecursive, nil
	case FolderCopyReject:
		return FolderCopyReject, nil
	}
	return "", fmt.Errorf("unknown folder copy policy %q", s)
}

// BusyPolicy decides what happens to an operation on an entry that another
// queued or in-flight operation already references.
type BusyPolicy string

const (
	// BusyReject fails the newer operation with ErrBusy.
	BusyReject BusyPolicy = "reject"
	// BusyQueue lets the newer operation wait for its turn.
	BusyQueue BusyPolicy = "queue"
)

// ParseBusyPolicy converts a configuration value. Empty means reject.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(s) {
	case "", BusyReject:
		return BusyReject, nil
	case BusyQueue:
		return BusyQueue, nil
	}
	return "", fmt.Errorf("unknown busy policy %q", s)
}

const (
	// DefaultPrefetchConcurrency bounds concurrent fetches in PrefetchAll.
	DefaultPrefetchConcurrency = 4
	// DefaultPrimeLimit is the largest upload copied into the content cache.
	DefaultPrimeLimit = 8 << 20
)

// Config holds coordinator settings.
type Config struct {
	ContextKey          string
	RootName            string // display name of the root; defaults to ContextKey
	RootRemoteID        string // skips root resolution when set
	FolderCopy          FolderCopyPolicy
	Busy                BusyPolicy
	PrefetchConcurrency int
	PrimeLimit          int64
}

// Coordinator is the single writer of one mirrored tree.
type Coordinator struct {
	store     remote.Store
	builder   *builder.Builder
	refresher *refresher.Refresher
	cache     *contentcache.Cache
	bus       *events.Broadcaster
	cfg       Config

	gate    *semaphore.Weighted
	fetches singleflight.Group
	wg      sync.WaitGroup

	mu           sync.Mutex
	tree         *tree.Tree
	rootRemoteID string
	claims       map[string]int
	closed       bool
	loopStop     chan struct{}
	loopDone     chan struct{}
}

// New creates a coordinator. cache and bus may be nil.
func New(store remote.Store, b *builder.Builder, r *refresher.Refresher, cache *contentcache.Cache, bus *events.Broadcaster, cfg Config) *Coordinator {
	if cfg.FolderCopy == "" {
		cfg.FolderCopy = FolderCopyRecursive
	}
	if cfg.Busy == "" {
		cfg.Busy = BusyReject
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = DefaultPrefetchConcurrency
	}
	if cfg.PrimeLimit == 0 {
		cfg.PrimeLimit = DefaultPrimeLimit
	}
	if cfg.RootName == "" {
		cfg.RootName = cfg.ContextKey
	}
	return &Coordinator{
		store:        store,
		builder:      b,
		refresher:    r,
		cache:        cache,
		bus:          bus,
		cfg:          cfg,
		gate:         semaphore.NewWeighted(1),
		rootRemoteID: cfg.RootRemoteID,
		claims:       make(map[string]int),
	}
}

// Snapshot returns the current tree, or nil before Load.
func (c *Coordinator) Snapshot() *tree.Tree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree
}

// RootRemoteID returns the remote id of the mirrored root once resolved.
func (c *Coordinator) RootRemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rootRemoteID
}

// FindByDisplayPath resolves a navigation path such as "/a/b" in the
// current snapshot.
func (c *Coordinator) FindByDisplayPath(p string) (tree.Entry, bool) {
	t := c.Snapshot()
	if t == nil {
		return tree.Entry{}, false
	}
	return t.FindByDisplayPath(p)
}

// Load resolves the mirrored root and builds the initial tree. A failure
// leaves the previous tree, if any, in place.
func (c *Coordinator) Load(ctx context.Context) error {
	if err := c.begin("load", nil); err != nil {
		return err
	}
	defer c.end(nil)
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.gate.Release(1)

	rootID := c.RootRemoteID()
	if rootID == "" {
		id, err := c.store.ResolveRootContainer(ctx, c.cfg.ContextKey)
		if err != nil {
			return fmt.Errorf("resolve root: %w", syncerr.Remote(err))
		}
		rootID = id
		c.mu.Lock()
		c.rootRemoteID = id
		c.mu.Unlock()
	}

	t, err := c.builder.Build(ctx, rootID, c.cfg.RootName)
	if err != nil {
		return err
	}
	c.install(t)
	c.publish(events.Event{Type: events.EventLoaded, EntryID: tree.RootID})
	return nil
}

// begin registers an operation: it fails once closed, applies the busy
// policy to the referenced entries and claims them.
func (c *Coordinator) begin(op string, claims []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cfg.Busy == BusyReject {
		for _, id := range claims {
			if c.claims[id] > 0 {
				metrics.RecordBusyRejection()
				metrics.RecordMutation(op, "rejected")
				return &syncerr.OpError{Op: op, Item: id, Err: fmt.Errorf("%w: another operation on this entry is pending", syncerr.ErrBusy)}
			}
		}
	}
	for _, id := range claims {
		c.claims[id]++
	}
	c.wg.Add(1)
	return nil
}

func (c *Coordinator) end(claims []string) {
	c.mu.Lock()
	for _, id := range claims {
		c.claims[id]--
		if c.claims[id] <= 0 {
			delete(c.claims, id)
		}
	}
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Coordinator) install(t *tree.Tree) {
	c.mu.Lock()
	c.tree = t
	c.mu.Unlock()
	metrics.SetTreeSize(t.Len())
}

func (c *Coordinator) publish(e events.Event) {
	if c.bus == nil {
		return
	}
	e.Root = c.cfg.ContextKey
	if t := c.Snapshot(); t != nil {
		e.Entries = t.Len()
	}
	c.bus.Publish(e)
}

// plan is the outcome of validating an operation against the current tree.
type plan struct {
	entryID    string
	name       string
	namePath   string
	optimistic *tree.Tree

	// remote performs the remote side. The returned settle func, if any,
	// turns the optimistic entries into confirmed ones.
	remote func(ctx context.Context) (settle func(*tree.Tree) (*tree.Tree, error), err error)

	// after runs once the remote side succeeded.
	after func(ctx context.Context)

	// refresh lists the folders whose children changed.
	refresh []string
}

// submit runs one mutation on the write sequence. prepare runs with the gate
// held and validates against the current tree; its error is returned
// synchronously with no model change. Otherwise the optimistic tree is
// installed and the remote side continues in the background.
func (c *Coordinator) submit(ctx context.Context, op string, claims []string, prepare func(t *tree.Tree) (*plan, error)) (*Pending, error) {
	if err := c.begin(op, claims); err != nil {
		return nil, err
	}
	if err := c.gate.Acquire(ctx, 1); err != nil {
		c.end(claims)
		return nil, err
	}

	before := c.Snapshot()
	var (
		pl  *plan
		err error
	)
	if before == nil {
		err = errNotLoaded
	} else {
		pl, err = prepare(before)
	}
	if err != nil {
		c.gate.Release(1)
		c.end(claims)
		metrics.RecordMutation(op, "rejected")
		logging.WithContext(ctx).Debug("mutation rejected", logging.Op(op), logging.Err(err))
		return nil, err
	}

	if pl.optimistic != nil {
		c.install(pl.optimistic)
		c.publish(events.Event{Type: events.EventOptimistic, Op: op, EntryID: pl.entryID, NamePath: pl.namePath})
	}

	p := newPending(op, pl.entryID)
	go func() {
		err := c.execute(context.WithoutCancel(ctx), op, before, pl)
		c.gate.Release(1)
		c.end(claims)
		p.complete(err)
	}()
	return p, nil
}

// execute runs the remote side of a plan, then confirms and reconciles or
// restores before. Called with the gate held.
func (c *Coordinator) execute(ctx context.Context, op string, before *tree.Tree, pl *plan) error {
	log := logging.WithContext(ctx)
	start := time.Now()

	settle, err := pl.remote(ctx)
	if err != nil {
		c.install(before)
		metrics.RecordMutation(op, "rolled_back")
		err = c.opError(op, pl, err)
		log.Warn("mutation rolled back",
			logging.Op(op),
			logging.EntryID(pl.entryID),
			logging.NamePath(pl.namePath),
			logging.Err(err),
		)
		c.publish(events.Event{Type: events.EventRolledBack, Op: op, EntryID: pl.entryID, NamePath: pl.namePath, Error: err.Error()})
		return err
	}

	if settle != nil {
		next, err := settle(c.Snapshot())
		if err != nil {
			log.Warn("confirming optimistic entry failed", logging.Op(op), logging.EntryID(pl.entryID), logging.Err(err))
		} else {
			c.install(next)
		}
	}
	if pl.after != nil {
		pl.after(ctx)
	}
	c.publish(events.Event{Type: events.EventConfirmed, Op: op, EntryID: pl.entryID, NamePath: pl.namePath})

	c.refreshFolders(ctx, pl.refresh)

	metrics.RecordMutation(op, "success")
	log.Info("mutation applied",
		logging.Op(op),
		logging.EntryID(pl.entryID),
		logging.NamePath(pl.namePath),
		logging.Duration("duration", time.Since(start)),
	)
	return nil
}

// opError attaches the failing item to err. Batch and item errors pass
// through unchanged.
func (c *Coordinator) opError(op string, pl *plan, err error) error {
	if _, ok := syncerr.AsBatchError(err); ok {
		return err
	}
	if _, ok := syncerr.AsOpError(err); ok {
		return err
	}
	return &syncerr.OpError{Op: op, Item: pl.entryID, Name: pl.name, Err: syncerr.Remote(err)}
}

// refreshFolders reconciles each folder once. In deep mode a folder below
// another listed folder is covered by the ancestor's pass. A failed refresh
// keeps the known entries and is only logged: the remote change itself
// already succeeded.
func (c *Coordinator) refreshFolders(ctx context.Context, ids []string) {
	t := c.Snapshot()
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var targets []string
	for _, id := range ids {
		if !wanted[id] {
			continue
		}
		delete(wanted, id)
		covered := false
		if c.refresher.Mode() == refresher.Deep {
			for _, other := range ids {
				if other != id && t.IsAncestor(other, id) {
					covered = true
					break
				}
			}
		}
		if !covered {
			targets = append(targets, id)
		}
	}

	for _, id := range targets {
		next, diff, err := c.refresher.Refresh(ctx, c.Snapshot(), id)
		if err != nil {
			logging.WithContext(ctx).Warn("refresh after mutation failed", logging.EntryID(id), logging.Err(err))
			continue
		}
		c.install(next)
		if !diff.Empty() {
			c.publish(events.Event{Type: events.EventRefreshed, EntryID: id})
		}
	}
}

// submitRefresh runs a reconciliation on the write sequence. It has no
// optimistic phase and never rolls back: on failure the tree is unchanged.
func (c *Coordinator) submitRefresh(ctx context.Context, op, entryID string, run func(ctx context.Context, t *tree.Tree) (*tree.Tree, tree.Diff, error)) (*Pending, error) {
	if err := c.begin(op, nil); err != nil {
		return nil, err
	}
	if err := c.gate.Acquire(ctx, 1); err != nil {
		c.end(nil)
		return nil, err
	}
	t := c.Snapshot()
	if t == nil {
		c.gate.Release(1)
		c.end(nil)
		return nil, errNotLoaded
	}
	if _, ok := t.FindByID(entryID); !ok {
		c.gate.Release(1)
		c.end(nil)
		return nil, syncerr.NotFound(entryID)
	}

	p := newPending(op, entryID)
	go func() {
		rctx := context.WithoutCancel(ctx)
		next, diff, err := run(rctx, t)
		if err == nil {
			c.install(next)
			if !diff.Empty() {
				c.publish(events.Event{Type: events.EventRefreshed, Op: op, EntryID: entryID})
			}
		} else {
			logging.WithContext(rctx).Warn("refresh failed", logging.Op(op), logging.EntryID(entryID), logging.Err(err))
		}
		c.gate.Release(1)
		c.end(nil)
		p.complete(err)
	}()
	return p, nil
}

// RefreshAll rebuilds the whole tree from the remote.
func (c *Coordinator) RefreshAll(ctx context.Context) (*Pending, error) {
	rootID := c.RootRemoteID()
	if rootID == "" {
		return nil, errNotLoaded
	}
	return c.submitRefresh(ctx, "refresh_all", tree.RootID, func(ctx context.Context, t *tree.Tree) (*tree.Tree, tree.Diff, error) {
		next, err := c.builder.Build(ctx, rootID, c.cfg.RootName)
		if err != nil {
			return nil, tree.Diff{}, err
		}
		diff := tree.Compare(t, next)
		logging.WithContext(ctx).Info("tree rebuilt",
			logging.Int("added", len(diff.Added)),
			logging.Int("removed", len(diff.Removed)),
			logging.Int("changed", len(diff.Changed)),
		)
		return next, diff, nil
	})
}

// RefreshSubtree reconciles one folder using the configured refresh mode.
func (c *Coordinator) RefreshSubtree(ctx context.Context, id string) (*Pending, error) {
	return c.submitRefresh(ctx, "refresh", id, func(ctx context.Context, t *tree.Tree) (*tree.Tree, tree.Diff, error) {
		return c.refresher.Refresh(ctx, t, id)
	})
}

// StartRefreshLoop runs RefreshAll every interval until StopRefreshLoop,
// Close or ctx cancellation.
func (c *Coordinator) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.mu.Lock()
	if c.loopStop != nil || c.closed {
		c.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	c.loopStop, c.loopDone = stop, done
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.refreshTick(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	logging.Info("refresh loop enabled", logging.Duration("interval", interval))
}

func (c *Coordinator) refreshTick(ctx context.Context) {
	p, err := c.RefreshAll(ctx)
	if err != nil {
		logging.WithContext(ctx).Warn("scheduled refresh not started", logging.Err(err))
		return
	}
	if err := p.Wait(ctx); err != nil {
		logging.WithContext(ctx).Warn("scheduled refresh failed", logging.Err(err))
	}
}

// StopRefreshLoop stops the refresh loop and waits for a running pass.
func (c *Coordinator) StopRefreshLoop() {
	c.mu.Lock()
	stop, done := c.loopStop, c.loopDone
	c.loopStop, c.loopDone = nil, nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Close stops the refresh loop, refuses new operations and waits for
// accepted ones to finish or ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.StopRefreshLoop()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// confirmedEntry resolves id to an entry the remote knows about.
func confirmedEntry(t *tree.Tree, id string) (tree.Entry, error) {
	e, ok := t.FindByID(id)
	if !ok {
		return tree.Entry{}, syncerr.NotFound(id)
	}
	if e.RemoteID == "" || e.Optimistic {
		return tree.Entry{}, fmt.Errorf("%w: %q is awaiting confirmation", syncerr.ErrBusy, e.Name)
	}
	return e, nil
}

// folder resolves id to a confirmed container.
func folder(t *tree.Tree, id string) (tree.Entry, error) {
	e, err := confirmedEntry(t, id)
	if err != nil {
		return tree.Entry{}, err
	}
	if !e.IsContainer {
		return tree.Entry{}, syncerr.Invalid("%q is not a folder", e.Name)
	}
	return e, nil
}

// validName rejects names that cannot be a single path element.
func validName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return syncerr.Invalid("name is empty")
	case name == "." || name == "..":
		return syncerr.Invalid("name %q is reserved", name)
	case strings.Contains(name, "/"):
		return syncerr.Invalid("name %q contains a slash", name)
	}
	return nil
}

// within reports whether candidate is e itself or lies below it, comparing
// materialized paths.
func within(candidate, e tree.Entry) bool {
	return candidate.LocalID == e.LocalID || (e.IsContainer && strings.HasPrefix(candidate.Path, e.Path))
}
