package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// localWriteDebounce coalesces the burst of WAL writes a single append makes.
const localWriteDebounce = 250 * time.Millisecond

// FsWatcher is the subset of *fsnotify.Watcher the observer uses, so tests
// can feed synthetic events.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

func newFsWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}

	return fsnotifyWatcher{w: w}, nil
}

// LocalObserver signals when the device database is written by another
// process, such as a CLI enqueue next to a running daemon, so the daemon can
// push without waiting for its poll interval.
type LocalObserver struct {
	dbPath     string
	logger     *slog.Logger
	newWatcher func() (FsWatcher, error)
}

// NewLocalObserver watches the directory holding dbPath.
func NewLocalObserver(dbPath string, logger *slog.Logger) *LocalObserver {
	return &LocalObserver{dbPath: dbPath, logger: logger, newWatcher: newFsWatcher}
}

// Watch calls notify at most once per debounce window after writes to the
// database or its WAL. It returns nil when ctx is done.
func (o *LocalObserver) Watch(ctx context.Context, notify func()) error {
	watcher, err := o.newWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(o.dbPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("sync: watching %s: %w", dir, err)
	}

	base := filepath.Base(o.dbPath)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(localWriteDebounce)
				timerCh = timer.C
			}

		case <-timerCh:
			timer, timerCh = nil, nil
			notify()

		case werr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			o.logger.Warn("database watcher error", slog.String("error", werr.Error()))
		}
	}
}
