package mutation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/drivemirror/internal/contentcache"
	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/remote/localfs"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

// Content operation names.
const (
	OpFetch    = "fetch"
	OpDownload = "download"
)

// file resolves id to a confirmed file in the current snapshot.
func (c *Coordinator) file(id string) (tree.Entry, error) {
	t := c.Snapshot()
	if t == nil {
		return tree.Entry{}, errNotLoaded
	}
	e, err := confirmedEntry(t, id)
	if err != nil {
		return tree.Entry{}, err
	}
	if e.IsContainer {
		return tree.Entry{}, syncerr.Invalid("%q is a folder", e.Name)
	}
	return e, nil
}

// FetchContent returns the content of file id, from the cache when the
// cached copy matches the entry's modification time.
func (c *Coordinator) FetchContent(ctx context.Context, id string) (remote.Content, error) {
	e, err := c.file(id)
	if err != nil {
		return remote.Content{}, err
	}
	content, _, err := c.content(ctx, e)
	return content, err
}

// content serves e from the cache or fetches and caches it. Concurrent
// fetches of the same version share one remote call. hit reports a cache hit.
func (c *Coordinator) content(ctx context.Context, e tree.Entry) (content remote.Content, hit bool, err error) {
	if c.cache != nil {
		item, ok, err := c.cache.Get(ctx, e.NamePath, e.ModifiedAt)
		if err != nil {
			logging.WithContext(ctx).Warn("cache read failed", logging.NamePath(e.NamePath), logging.Err(err))
		} else if ok {
			return remote.Content{Data: item.Data, Text: item.Text}, true, nil
		}
	}

	// The shared fetch outlives any single caller; each caller still stops
	// waiting when its own ctx ends.
	fetchCtx := context.WithoutCancel(ctx)
	key := e.RemoteID + "@" + strconv.FormatInt(e.ModifiedAt.UnixNano(), 10)
	ch := c.fetches.DoChan(key, func() (any, error) {
		fetched, err := c.store.FetchContent(fetchCtx, e.RemoteID, e.MimeOrType)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			item := contentcache.Item{Data: fetched.Data, Text: fetched.Text, ModifiedAt: e.ModifiedAt}
			if err := c.cache.Put(fetchCtx, e.NamePath, item); err != nil {
				logging.WithContext(fetchCtx).Warn("cache write failed", logging.NamePath(e.NamePath), logging.Err(err))
			}
		}
		return fetched, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return remote.Content{}, false, &syncerr.OpError{Op: OpFetch, Item: e.LocalID, Name: e.Name, Err: ctx.Err()}
	}
	if res.Err != nil {
		return remote.Content{}, false, &syncerr.OpError{Op: OpFetch, Item: e.LocalID, Name: e.Name, Err: syncerr.Remote(res.Err)}
	}
	return res.Val.(remote.Content), false, nil
}

// PrefetchReport summarizes a PrefetchAll pass.
type PrefetchReport struct {
	Files   int
	Cached  int
	Fetched int
	Failed  int
	Pruned  int
}

// PrefetchAll makes every confirmed file of the tree available in the cache.
// Misses are fetched concurrently; a failed file is logged and counted, not
// fatal. Cache entries that no longer belong to a file of the tree are
// dropped afterwards.
func (c *Coordinator) PrefetchAll(ctx context.Context) (PrefetchReport, error) {
	var report PrefetchReport
	t := c.Snapshot()
	if t == nil {
		return report, errNotLoaded
	}
	if c.cache == nil {
		return report, fmt.Errorf("%w: content cache is disabled", syncerr.ErrUnsupported)
	}

	keep := make(map[string]bool)
	var files []tree.Entry
	for _, e := range t.Entries() {
		if e.IsContainer || e.Optimistic || e.RemoteID == "" || keep[e.NamePath] {
			continue
		}
		keep[e.NamePath] = true
		files = append(files, e)
	}
	report.Files = len(files)

	var cached, fetched, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(c.cfg.PrefetchConcurrency)
	for _, e := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, hit, err := c.content(ctx, e)
			switch {
			case err != nil:
				failed.Add(1)
				logging.WithContext(ctx).Warn("prefetch failed", logging.NamePath(e.NamePath), logging.Err(err))
			case hit:
				cached.Add(1)
			default:
				fetched.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	report.Cached, report.Fetched, report.Failed = int(cached.Load()), int(fetched.Load()), int(failed.Load())
	if err != nil {
		return report, err
	}

	pruned, err := c.cache.Retain(ctx, keep)
	if err != nil {
		return report, err
	}
	report.Pruned = pruned
	logging.WithContext(ctx).Info("prefetch complete",
		logging.Int("files", report.Files),
		logging.Int("cached", report.Cached),
		logging.Int("fetched", report.Fetched),
		logging.Int("failed", report.Failed),
		logging.Int("pruned", report.Pruned),
	)
	return report, nil
}

// Download saves file id into dir and returns the written path. Exported
// documents are saved under the name the store reports.
func (c *Coordinator) Download(ctx context.Context, id, dir string) (string, error) {
	e, err := c.file(id)
	if err != nil {
		return "", err
	}
	d, err := c.store.Download(ctx, e.RemoteID, e.Name, e.MimeOrType)
	if err != nil {
		return "", &syncerr.OpError{Op: OpDownload, Item: e.LocalID, Name: e.Name, Err: syncerr.Remote(err)}
	}
	defer d.Body.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	name := filepath.Base(d.Name)
	if name == "." || name == string(filepath.Separator) {
		name = e.Name
	}
	target := filepath.Join(dir, name)
	if err := localfs.WriteFileAtomic(target, d.Body); err != nil {
		return "", &syncerr.OpError{Op: OpDownload, Item: e.LocalID, Name: e.Name, Err: err}
	}

	logging.WithContext(ctx).Info("file downloaded",
		logging.EntryID(e.LocalID),
		logging.NamePath(e.NamePath),
		logging.String("target", target),
	)
	return target, nil
}
