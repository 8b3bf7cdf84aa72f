package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/drivemirror/internal/builder"
	"github.com/fruitsalade/drivemirror/internal/config"
	"github.com/fruitsalade/drivemirror/internal/contentcache"
	"github.com/fruitsalade/drivemirror/internal/events"
	"github.com/fruitsalade/drivemirror/internal/logging"
	"github.com/fruitsalade/drivemirror/internal/mutation"
	"github.com/fruitsalade/drivemirror/internal/refresher"
	"github.com/fruitsalade/drivemirror/internal/remote"
	"github.com/fruitsalade/drivemirror/internal/tree"
)

var (
	backend    string
	contextKey string
	logLevel   string
	logFormat  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "drivemirror",
	Short: "Mirror a remote folder tree and edit it locally",
	Long: `drivemirror keeps a flat, navigable model of one remote folder tree
(Google Drive, S3 or a local directory) and applies uploads, folder creation,
deletes, renames, moves and copies to it optimistically, rolling back when the
remote refuses a change.

Configuration comes from MIRROR_*, DRIVE_*, S3_*, CACHE_* and LOG_* environment
variables; the global flags override the matching variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(func(c *config.Config) {
			flags := cmd.Flags()
			if flags.Changed("backend") {
				c.Backend = backend
			}
			if flags.Changed("context-key") {
				c.ContextKey = contextKey
			}
			if flags.Changed("log-level") {
				c.LogLevel = logLevel
			}
			if flags.Changed("log-format") {
				c.LogFormat = logFormat
			}
		})
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
		return logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "remote backend: drive, s3 or local (MIRROR_BACKEND)")
	rootCmd.PersistentFlags().StringVarP(&contextKey, "context-key", "k", "", "key of the mirrored root (MIRROR_CONTEXT_KEY)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "console or json (LOG_FORMAT)")
}

// app is one opened mirror.
type app struct {
	store remote.Store
	cache *contentcache.Cache
	bus   *events.Broadcaster
	coord *mutation.Coordinator
}

// cacheScope keeps mirrors of different backends apart in one cache dir.
func cacheScope(c *config.Config) string {
	return c.Backend + ":" + c.ContextKey
}

func openCache(c *config.Config) (*contentcache.Cache, error) {
	return contentcache.Open(c.CacheDir, cacheScope(c), c.CacheMaxSize)
}

// openApp connects to the backend and loads the tree.
func openApp(ctx context.Context) (*app, error) {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cache, err := openCache(cfg)
	if err != nil {
		return nil, err
	}

	b := builder.New(store, cfg.ListConcurrency)
	bus := events.NewBroadcaster()
	coord := mutation.New(store, b, refresher.New(b, cfg.RefreshMode), cache, bus, mutation.Config{
		ContextKey:          cfg.ContextKey,
		FolderCopy:          cfg.FolderCopy,
		Busy:                cfg.Busy,
		PrefetchConcurrency: cfg.PrefetchConcurrency,
	})

	start := time.Now()
	if err := coord.Load(ctx); err != nil {
		cache.Close()
		return nil, fmt.Errorf("load %s: %w", cfg.ContextKey, err)
	}
	logging.Info("mirror loaded",
		logging.Root(cfg.ContextKey),
		logging.String("backend", remote.BackendName(store)),
		logging.Int("entries", coord.Snapshot().Len()),
		logging.Duration("duration", time.Since(start)),
	)
	return &app{store: store, cache: cache, bus: bus, coord: coord}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.coord.Close(ctx); err != nil {
		logging.Warn("operations still pending at exit", logging.Err(err))
	}
	a.cache.Close()
}

// resolve maps a display path such as "/chapters/intro.tex" to its entry.
func (a *app) resolve(p string) (tree.Entry, error) {
	e, ok := a.coord.FindByDisplayPath(p)
	if !ok {
		return tree.Entry{}, fmt.Errorf("%s: no such file or folder", p)
	}
	return e, nil
}

// withApp opens the mirror, runs fn and closes it.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// submit runs a mutation and waits for its outcome.
func (a *app) submit(ctx context.Context, req mutation.Request) error {
	p, err := a.coord.Submit(ctx, req)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}
