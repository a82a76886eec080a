package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "publisher/pkg/logx"
)

const (
	debounceDelay  = 250 * time.Millisecond
	rewatchMinWait = 250 * time.Millisecond
	rewatchMaxWait = 5 * time.Second
)

const fileChanged = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// WatchFile calls onChange, debounced, whenever path is written, replaced or
// removed. The parent directory is watched so an editor's rename-into-place
// is seen. A broken watcher is recreated with backoff. Returns nil once ctx
// is done.
func WatchFile(ctx context.Context, path string, log logx.Logger, onChange func()) error {
	fw := &fileWatch{
		dir:      filepath.Dir(path),
		name:     filepath.Base(path),
		log:      log,
		onChange: onChange,
		wait:     rewatchMinWait,
	}
	defer fw.cancelPending()

	for ctx.Err() == nil {
		w, err := fw.open()
		if err != nil {
			fw.log.Warn("file watch init failed", logx.String("dir", fw.dir), logx.Err(err))
		} else {
			fw.wait = rewatchMinWait
			err = fw.consume(ctx, w)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
			fw.log.Warn("file watcher broke; recreating", logx.String("dir", fw.dir), logx.Err(err))
		}
		if !fw.backoff(ctx) {
			return nil
		}
	}
	return nil
}

type fileWatch struct {
	dir, name string
	log       logx.Logger
	onChange  func()
	wait      time.Duration

	mu      sync.Mutex
	pending *time.Timer
}

func (fw *fileWatch) open() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(fw.dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	fw.log.Debug("file watcher started", logx.String("dir", fw.dir), logx.String("file", fw.name))
	return w, nil
}

var errWatcherClosed = errors.New("watcher channels closed")

// consume handles events until ctx ends or the watcher breaks.
func (fw *fileWatch) consume(ctx context.Context, w *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Base(ev.Name) == fw.name && ev.Op&fileChanged != 0 {
				fw.schedule(ctx)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok || errors.Is(err, fsnotify.ErrClosed):
				return errWatcherClosed
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// events were lost; the file may have changed
				fw.log.Warn("file watch overflow; reloading", logx.String("dir", fw.dir))
				fw.schedule(ctx)
			case err != nil:
				fw.log.Warn("file watch error", logx.String("dir", fw.dir), logx.Err(err))
			}
		}
	}
}

// schedule runs onChange once the file has been quiet for debounceDelay.
func (fw *fileWatch) schedule(ctx context.Context) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.pending != nil {
		fw.pending.Stop()
	}
	fw.pending = time.AfterFunc(debounceDelay, func() {
		if ctx.Err() == nil {
			fw.onChange()
		}
	})
}

func (fw *fileWatch) cancelPending() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.pending != nil {
		fw.pending.Stop()
	}
}

// backoff sleeps a jittered, doubling delay. False means ctx ended.
func (fw *fileWatch) backoff(ctx context.Context) bool {
	d := fw.wait + rand.N(fw.wait/2+1)
	fw.wait = min(fw.wait*2, rewatchMaxWait)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
