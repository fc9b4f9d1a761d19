// Package watcher observes transcript directories and turns quiescence into
// analysis work: a session that stopped changing for the idle timeout gets
// its unanalyzed segments enqueued as initial jobs.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pibrain/pibrain/internal/queue"
	"github.com/pibrain/pibrain/internal/segment"
	"github.com/pibrain/pibrain/internal/transcript"
	"github.com/pibrain/pibrain/pkg/persist"
)

// Enqueuer is the queue surface the watcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, in queue.Input) (*queue.Job, error)
}

// NodeChecker reports whether a node already exists for a segment.
type NodeChecker interface {
	NodeExists(ctx context.Context, id string) (bool, error)
}

// Spoke is one synchronized remote transcript directory.
type Spoke struct {
	Name    string
	Path    string
	Enabled bool
}

// Defaults for unset options.
const (
	defaultIdleTimeout   = 10 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Options configures a Watcher.
type Options struct {
	// HubDir is the local transcript directory.
	HubDir string

	// Spokes are remote directories; only enabled ones are watched.
	Spokes []Spoke

	// IdleTimeout is how long a file must stay quiet before analysis.
	IdleTimeout time.Duration

	// SweepInterval is how often idle detection runs.
	SweepInterval time.Duration

	// Segments configures boundary detection for sweep-time segmentation.
	Segments segment.Config

	// StateDir persists per-file state across restarts. Empty disables.
	StateDir string

	// Hostname tags hub transcripts; empty uses os.Hostname.
	Hostname string

	Queue  Enqueuer
	Nodes  NodeChecker
	Logger *slog.Logger
}

// Watcher owns the fsnotify subscription and per-file state.
type Watcher struct {
	opts     Options
	log      *slog.Logger
	detector *segment.Detector

	fsw       *fsnotify.Watcher
	persister *persist.Persister[persistedState]

	mu    sync.Mutex
	files map[string]*fileState

	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// New validates options and builds a stopped Watcher.
func New(opts Options) (*Watcher, error) {
	if opts.HubDir == "" {
		return nil, errors.New("watcher: hub directory not set")
	}

	if opts.Queue == nil || opts.Nodes == nil {
		return nil, errors.New("watcher: queue and node checker required")
	}

	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}

	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	if opts.Hostname == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}

		opts.Hostname = host
	}

	cfgErr := opts.Segments.Validate()
	if cfgErr != nil {
		return nil, cfgErr
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		opts:      opts,
		log:       logger,
		detector:  segment.NewDetector(opts.Segments),
		persister: persist.NewPersister[persistedState](stateBasename, persist.NewJSONCodec()),
		files:     make(map[string]*fileState),
		now:       time.Now,
	}, nil
}

// Start loads persisted state, subscribes to the hub and enabled spokes, and
// launches the event and sweep loops.
func (w *Watcher) Start(ctx context.Context) error {
	w.loadState()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w.fsw = fsw

	watchErr := w.watchTree(w.opts.HubDir)
	if watchErr != nil {
		fsw.Close()

		return watchErr
	}

	for _, spoke := range w.opts.Spokes {
		if !spoke.Enabled {
			continue
		}

		spokeErr := w.watchTree(spoke.Path)
		if spokeErr != nil {
			// A spoke that has not synced yet is not fatal.
			w.log.Warn("spoke directory not watchable",
				slog.String("spoke", spoke.Name), slog.Any("error", spokeErr))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(runCtx)

	w.log.Info("watcher started",
		slog.String("hub", w.opts.HubDir),
		slog.Duration("idle_timeout", w.opts.IdleTimeout))

	return nil
}

// Stop cancels the loops, waits for them, persists state, and closes the
// fsnotify subscription. Bounded by the sweep's interruptible wait.
func (w *Watcher) Stop() error {
	if w.cancel == nil {
		return nil
	}

	w.cancel()
	<-w.done

	w.saveState()

	return w.fsw.Close()
}

// watchTree subscribes to dir and every subdirectory.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return w.fsw.Add(path)
		}

		return nil
	})
}

// run multiplexes fsnotify events with the idle-sweep ticker until cancelled.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.log.Warn("watch error", slog.Any("error", err))

		case <-ticker.C:
			_, sweepErr := w.Sweep(ctx)
			if sweepErr != nil && !errors.Is(sweepErr, context.Canceled) {
				w.log.Warn("idle sweep failed", slog.Any("error", sweepErr))
			}
		}
	}
}

// handleEvent updates per-file state for transcript files and extends the
// watch into newly created directories.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		info, statErr := os.Stat(ev.Name)
		if statErr == nil && info.IsDir() {
			_ = w.watchTree(ev.Name)

			return
		}
	}

	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}

	if !IsTranscript(ev.Name) {
		return
	}

	var size int64

	info, statErr := os.Stat(ev.Name)
	if statErr == nil {
		size = info.Size()
	}

	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	st, seen := w.files[ev.Name]
	if !seen {
		st = &fileState{FirstSeen: now, Computer: w.computerFor(ev.Name)}
		w.files[ev.Name] = st

		w.log.Debug("tracking transcript",
			slog.String("path", ev.Name), slog.String("computer", st.Computer))
	}

	st.LastEvent = now
	st.LastSize = size
}

// IsTranscript reports whether the path looks like a session transcript.
func IsTranscript(path string) bool {
	return strings.HasSuffix(path, ".jsonl") && !strings.HasPrefix(filepath.Base(path), ".")
}

// computerFor resolves the computer tag: the matching enabled spoke name on
// a path-boundary match, otherwise the hub hostname.
func (w *Watcher) computerFor(path string) string {
	for _, spoke := range w.opts.Spokes {
		if !spoke.Enabled {
			continue
		}

		if path == spoke.Path || strings.HasPrefix(path, spoke.Path+string(filepath.Separator)) {
			return spoke.Name
		}
	}

	return w.opts.Hostname
}

// Sweep examines tracked files and enqueues initial jobs for unanalyzed
// segments of idle sessions. Returns the number of jobs enqueued.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	now := w.now()
	candidates := w.idleCandidates(now)

	var enqueued int

	for _, path := range candidates {
		n, err := w.sweepFile(ctx, path)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return enqueued, err
			}

			w.log.Warn("sweep skipped file", slog.String("path", path), slog.Any("error", err))

			continue
		}

		enqueued += n
	}

	return enqueued, nil
}

// idleCandidates snapshots the paths whose last event is at least the idle
// timeout old.
func (w *Watcher) idleCandidates(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string

	for path, st := range w.files {
		if now.Sub(st.LastEvent) >= w.opts.IdleTimeout {
			out = append(out, path)
		}
	}

	return out
}

// sweepFile parses one idle session and enqueues segments with no node and
// no pending job. The chain fingerprint short-circuits unchanged files.
func (w *Watcher) sweepFile(ctx context.Context, path string) (int, error) {
	session, parseErr := transcript.ParseFile(path)
	if parseErr != nil {
		return 0, parseErr
	}

	fingerprint := chainFingerprint(session)

	w.mu.Lock()
	st, tracked := w.files[path]
	unchanged := tracked && st.Fingerprint == fingerprint
	computer := w.opts.Hostname

	if tracked {
		computer = st.Computer
	}
	w.mu.Unlock()

	if unchanged {
		return 0, nil
	}

	var enqueued int

	for _, seg := range w.detector.Segments(session) {
		exists, checkErr := w.opts.Nodes.NodeExists(ctx, seg.NodeID())
		if checkErr != nil {
			return enqueued, checkErr
		}

		if exists {
			continue
		}

		_, enqErr := w.opts.Queue.Enqueue(ctx, queue.Input{
			Type:        queue.TypeInitial,
			SessionPath: path,
			StartID:     seg.StartID,
			EndID:       seg.EndID,
			Context:     computer,
		})
		if errors.Is(enqErr, queue.ErrDuplicate) {
			continue
		}

		if enqErr != nil {
			return enqueued, enqErr
		}

		enqueued++
	}

	w.mu.Lock()
	if st, ok := w.files[path]; ok {
		st.Fingerprint = fingerprint
	}
	w.mu.Unlock()

	if enqueued > 0 {
		w.log.Info("idle session enqueued",
			slog.String("path", path), slog.Int("segments", enqueued))
	}

	return enqueued, nil
}

// Observe registers a file as if an event had been seen. Used on startup to
// pick up transcripts created while the daemon was down, and by tests.
func (w *Watcher) Observe(path string, at time.Time) {
	if !IsTranscript(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	st, seen := w.files[path]
	if !seen {
		st = &fileState{FirstSeen: at, Computer: w.computerFor(path)}
		w.files[path] = st
	}

	st.LastEvent = at
}

// TrackedFiles returns the number of transcripts under observation.
func (w *Watcher) TrackedFiles() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.files)
}

func (w *Watcher) loadState() {
	if w.opts.StateDir == "" {
		return
	}

	err := w.persister.Load(w.opts.StateDir, func(state *persistedState) {
		if state.Files != nil {
			w.files = state.Files
		}
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		w.log.Warn("watcher state not restored", slog.Any("error", err))
	}
}

func (w *Watcher) saveState() {
	if w.opts.StateDir == "" {
		return
	}

	w.mu.Lock()
	snapshot := persistedState{Files: w.files}
	w.mu.Unlock()

	err := w.persister.Save(w.opts.StateDir, func() *persistedState { return &snapshot })
	if err != nil {
		w.log.Warn("watcher state not saved", slog.Any("error", err))
	}
}
