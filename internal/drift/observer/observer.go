// Package observer watches the work tree while an implementation phase runs
// and reports when the files touched so far already amount to major drift.
package observer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/cadence/internal/drift"
	"github.com/Iron-Ham/cadence/internal/logging"
)

// DefaultDebounce coalesces the bursts of events editors produce for one save.
const DefaultDebounce = 200 * time.Millisecond

// Config configures an Observer.
type Config struct {
	Classifier *drift.Classifier
	// Debounce is how long the observer waits for events to settle before
	// re-classifying. Zero uses DefaultDebounce.
	Debounce time.Duration
	// Ignore holds directory or file name globs that are never watched or counted.
	Ignore []string
	Logger *logging.Logger
}

// Observer tracks touched files under a root directory.
type Observer struct {
	root       string
	expected   []string
	classifier *drift.Classifier
	debounce   time.Duration
	ignore     []glob.Glob
	logger     *logging.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	touched map[string]time.Time
	last    drift.Assessment
	fired   bool
}

// New creates an observer and registers watches on every directory under
// root that is not ignored.
func New(root string, expected []string, cfg Config) (*Observer, error) {
	if cfg.Classifier == nil {
		cfg.Classifier = drift.NewClassifier(drift.DefaultBudget(), drift.Leeway{})
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	ignore := make([]glob.Glob, 0, len(cfg.Ignore))
	for _, p := range cfg.Ignore {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		ignore = append(ignore, g)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	// Event names use the resolved path on some platforms (macOS /private/var).
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	o := &Observer{
		root:       absRoot,
		expected:   drift.Normalize(expected),
		classifier: cfg.Classifier,
		debounce:   cfg.Debounce,
		ignore:     ignore,
		logger:     logger.With("component", "observer"),
		watcher:    watcher,
		touched:    make(map[string]time.Time),
	}
	o.last = o.classifier.Classify(o.expected, nil)

	if err := o.watchDirRecursive(absRoot, nil); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return o, nil
}

func (o *Observer) ignored(name string) bool {
	for _, g := range o.ignore {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// watchDirRecursive adds root and every non-ignored subdirectory to the
// watcher. When found is non-nil it receives every regular file already
// present, since those were written before the watch existed.
func (o *Observer) watchDirRecursive(root string, found func(path string)) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// The root itself must be watchable; anything below is best effort.
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			if found != nil && d.Type().IsRegular() && !o.ignored(d.Name()) {
				found(path)
			}
			return nil
		}
		if path != root && o.ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := o.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			o.logger.Debug("cannot watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// Run processes file events until ctx is done. stop is invoked at most once,
// from Run's goroutine, the first time the touched set classifies as major.
// The watcher is closed when Run returns.
func (o *Observer) Run(ctx context.Context, stop func(drift.Assessment)) error {
	defer func() { _ = o.watcher.Close() }()

	debounceTimer := time.NewTimer(o.debounce)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-o.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if o.ignored(filepath.Base(event.Name)) {
						continue
					}
					_ = o.watchDirRecursive(event.Name, func(p string) { pending[p] = struct{}{} })
					if len(pending) > 0 {
						debounceTimer.Reset(o.debounce)
					}
					continue
				}
			}
			pending[event.Name] = struct{}{}
			debounceTimer.Reset(o.debounce)

		case <-debounceTimer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})

			a, fire := o.record(paths)
			if fire && stop != nil {
				o.logger.Warn("major drift during implementation",
					"unexpected", len(a.Unexpected),
					"yellow_used", a.YellowUsed,
					"red_used", a.RedUsed,
				)
				stop(a)
			}

		case err, ok := <-o.watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("watcher error", "error", err)
		}
	}
}

// record adds absolute event paths to the touched set and re-classifies.
// The second result is true exactly once, when severity first reaches major.
func (o *Observer) record(paths []string) (drift.Assessment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	for _, p := range paths {
		rel, ok := o.relative(p)
		if !ok {
			continue
		}
		o.touched[rel] = now
	}

	o.last = o.classifier.Classify(o.expected, o.touchedLocked())
	if o.last.Severity == drift.SeverityMajor && !o.fired {
		o.fired = true
		return o.last, true
	}
	return o.last, false
}

// relative maps an event path to a slash-separated path under root, rejecting
// anything outside root or inside an ignored directory.
func (o *Observer) relative(p string) (string, bool) {
	rel, err := filepath.Rel(o.root, p)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if len(rel) >= 3 && rel[:3] == "../" {
		return "", false
	}
	dir := rel
	for dir != "." && dir != "/" && dir != "" {
		if o.ignored(filepath.Base(dir)) {
			return "", false
		}
		dir = filepath.ToSlash(filepath.Dir(dir))
	}
	return rel, true
}

func (o *Observer) touchedLocked() []string {
	out := make([]string, 0, len(o.touched))
	for p := range o.touched {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Touched returns the sorted set of repository-relative paths seen so far.
func (o *Observer) Touched() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.touchedLocked()
}

// Assessment returns the latest classification of the touched set.
func (o *Observer) Assessment() drift.Assessment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Close releases the watcher when Run was never started.
func (o *Observer) Close() error {
	return o.watcher.Close()
}
