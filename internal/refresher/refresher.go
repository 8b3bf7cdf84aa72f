// Package refresher reconciles one subtree of the flat model with the remote.
package refresher

import (
	"context"
	"fmt"
	"time"

	"github.com/fruitsalade/drivemirror/internal/builder"
	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/metrics"
	"github.com/fruitsalade/drivemirror/internal/syncerr"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

// Mode selects how far a refresh reaches below the folder.
type Mode string

const (
	// Deep re-lists the folder recursively and replaces its whole subtree.
	Deep Mode = "deep"
	// Shallow re-lists only the immediate children and keeps the known
	// subtrees of children that survive.
	Shallow Mode = "shallow"
)

// ParseMode converts a configuration value to a Mode. Empty means Deep.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", Deep:
		return Deep, nil
	case Shallow:
		return Shallow, nil
	}
	return "", fmt.Errorf("unknown refresh mode %q", s)
}

// Refresher re-pulls folders through a builder. It holds no tree state;
// callers pass the current snapshot and install the returned one.
type Refresher struct {
	builder *builder.Builder
	mode    Mode
}

// New creates a refresher. An empty mode means Deep.
func New(b *builder.Builder, mode Mode) *Refresher {
	if mode == "" {
		mode = Deep
	}
	return &Refresher{builder: b, mode: mode}
}

// Mode returns the configured refresh mode.
func (r *Refresher) Mode() Mode {
	return r.mode
}

// Refresh reconciles the folder folderLocalID of t with a fresh listing and
// returns the new snapshot together with what changed.
//
// A folder that no longer exists, or that is still optimistic and so has no
// remote id, is left alone: t is returned unchanged with a nil error. On a
// listing failure t is also returned unchanged, with the error, so stale
// entries stay visible.
func (r *Refresher) Refresh(ctx context.Context, t *tree.Tree, folderLocalID string) (*tree.Tree, tree.Diff, error) {
	folder, ok := t.FindByID(folderLocalID)
	if !ok {
		logging.WithContext(ctx).Debug("refresh target gone", logging.EntryID(folderLocalID))
		return t, tree.Diff{}, nil
	}
	if !folder.IsContainer {
		return t, tree.Diff{}, syncerr.Invalid("%q is not a folder", folder.Name)
	}
	remoteID := folder.RemoteID
	if remoteID == "" || folder.Optimistic {
		logging.WithContext(ctx).Debug("refresh target not confirmed yet", logging.EntryID(folderLocalID))
		return t, tree.Diff{}, nil
	}

	start := time.Now()
	fresh, err := r.builder.Subtree(ctx, folderLocalID, remoteID, r.mode == Deep)
	if err != nil {
		logging.WithContext(ctx).Warn("refresh failed, keeping known entries",
			logging.EntryID(folderLocalID),
			logging.NamePath(folder.NamePath),
			logging.Err(err),
		)
		return t, tree.Diff{}, err
	}

	var next *tree.Tree
	if r.mode == Deep {
		next, err = t.ReplaceSubtree(folderLocalID, fresh)
	} else {
		next, err = t.MergeChildren(folderLocalID, fresh)
	}
	if err != nil {
		return t, tree.Diff{}, fmt.Errorf("reconcile %s: %w", folder.NamePath, err)
	}

	diff := tree.Compare(t, next)
	elapsed := time.Since(start)
	metrics.RecordRefresh(string(r.mode), elapsed)
	metrics.SetTreeSize(next.Len())
	logging.WithContext(ctx).Info("folder refreshed",
		logging.EntryID(folderLocalID),
		logging.NamePath(folder.NamePath),
		logging.String("mode", string(r.mode)),
		logging.Int("added", len(diff.Added)),
		logging.Int("removed", len(diff.Removed)),
		logging.Int("changed", len(diff.Changed)),
		logging.Duration("duration", elapsed),
	)
	return next, diff, nil
}
