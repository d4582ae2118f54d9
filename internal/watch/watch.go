// Package watch rescans a masters folder whenever master files change and
// hands the new assignment set to a handler.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"astropipe/internal/scan"
)

// DefaultSettle is how long the folder must stay quiet before a rescan.
// Masters are large and written in several chunks.
const DefaultSettle = 5 * time.Second

// Handler receives each new scan result.
type Handler func(ctx context.Context, res scan.Result) error

// Watcher monitors one masters folder.
type Watcher struct {
	dir     string
	settle  time.Duration
	log     *slog.Logger
	handle  Handler
	watcher *fsnotify.Watcher
	last    string
}

// New creates a watcher for dir. It does not start watching until Run.
func New(dir string, settle time.Duration, logger *slog.Logger, fn Handler) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, settle: settle, log: logger, handle: fn, watcher: fw}, nil
}

// Run processes events until ctx is done. The folder is scanned once at
// start so masters already present are handled. Handler errors are logged
// and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.log.Info("watching masters folder", "dir", w.dir, "settle", w.settle)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			w.log.Debug("master changed", "path", event.Name, "op", event.Op.String())
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.settle)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		case <-timer.C:
			w.rescan(ctx)
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !scan.IsMaster(event.Name) {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *Watcher) rescan(ctx context.Context) {
	res, err := scan.Dir(w.dir)
	if err != nil {
		w.log.Warn("rescan failed", "dir", w.dir, "error", err)
		return
	}
	sig := signature(res)
	if sig == w.last {
		return
	}
	w.last = sig
	if len(res.Masters) == 0 {
		w.log.Info("no masters found", "dir", w.dir, "ignored", len(res.Ignored))
		return
	}
	w.log.Info("masters changed", "dir", w.dir, "masters", len(res.Masters))
	if err := w.handle(ctx, res); err != nil {
		w.log.Error("handler failed", "dir", w.dir, "error", err)
	}
}

// signature identifies a scan result by label, path, size and mtime, so a
// master rewritten in place triggers a new run.
func signature(res scan.Result) string {
	var b strings.Builder
	for _, m := range res.Masters {
		fmt.Fprintf(&b, "%s=%s", m.Label, m.Path)
		if info, err := os.Stat(m.Path); err == nil {
			fmt.Fprintf(&b, ":%d:%d", info.Size(), info.ModTime().UnixNano())
		}
		b.WriteByte(';')
	}
	return b.String()
}
