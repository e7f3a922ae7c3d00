package system

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge"
	"github.com/l1jgo/scriptbridge/internal/bridge/queue"
	coresys "github.com/l1jgo/scriptbridge/internal/core/system"
)

// WatchSystem hot-reloads loaded scripts when their files change and forgets
// the instances of files that are deleted. Phase 0 (Input).
//
// File events arrive on the watcher's goroutine and are only queued there;
// reloads happen in Poll, on the frame loop.
type WatchSystem struct {
	ctx      context.Context
	bridge   *bridge.Bridge
	log      *zap.Logger
	interval time.Duration
	elapsed  time.Duration

	watcher *fsnotify.Watcher
	changes *queue.Mailbox[string]
	dirs    map[string]bool
	checked map[string]bool
	stat    func(string) (os.FileInfo, error)
}

func NewWatchSystem(ctx context.Context, b *bridge.Bridge, interval time.Duration, log *zap.Logger) (*WatchSystem, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &WatchSystem{
		ctx:      ctx,
		bridge:   b,
		log:      log.Named("watch"),
		interval: interval,
		watcher:  watcher,
		changes:  queue.NewMailbox[string](),
		dirs:     make(map[string]bool),
		checked:  make(map[string]bool),
		stat:     os.Stat,
	}
	go s.forward()
	return s, nil
}

func (s *WatchSystem) Phase() coresys.Phase { return coresys.PhaseInput }

func (s *WatchSystem) Update(dt time.Duration) {
	if s.interval <= 0 {
		return
	}
	s.elapsed += dt
	if s.elapsed < s.interval {
		return
	}
	s.elapsed = 0
	s.Poll()
}

// Close stops the file watcher.
func (s *WatchSystem) Close() error { return s.watcher.Close() }

func (s *WatchSystem) forward() {
	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&interesting != 0 {
				s.changes.Enqueue(filepath.Clean(ev.Name))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Poll applies the file changes seen since the last call and returns the
// reloaded instance ids. A path seen for the first time is reloaded when its
// file is newer than its instances.
func (s *WatchSystem) Poll() []uint64 {
	loaded := make(map[string]bool)
	dirty := make(map[string]bool)
	for _, path := range s.bridge.Instances().Paths() {
		key := filepath.Clean(path)
		loaded[key] = true
		s.watchDir(filepath.Dir(key))
		if !s.checked[key] {
			s.checked[key] = true
			if s.editedSinceLoad(path) {
				dirty[key] = true
			}
		}
	}
	for _, path := range s.changes.Drain() {
		if loaded[path] {
			dirty[path] = true
		}
	}
	for path := range s.checked {
		if !loaded[path] {
			delete(s.checked, path)
		}
	}

	paths := make([]string, 0, len(dirty))
	for path := range dirty {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var reloaded []uint64
	for _, path := range paths {
		_, err := s.stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			ids := s.bridge.RemovePath(path)
			delete(s.checked, path)
			s.log.Info("script deleted", zap.String("path", path), zap.Int("instances", len(ids)))
			continue
		case err != nil:
			s.log.Warn("script stat failed", zap.String("path", path), zap.Error(err))
			continue
		}
		ids, err := s.bridge.OnFileChanged(s.ctx, path)
		if err != nil {
			s.log.Error("hot reload failed", zap.String("path", path), zap.Error(err))
		}
		reloaded = append(reloaded, ids...)
	}
	return reloaded
}

func (s *WatchSystem) watchDir(dir string) {
	if s.dirs[dir] {
		return
	}
	if err := s.watcher.Add(dir); err != nil {
		s.log.Warn("watch directory failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	s.dirs[dir] = true
}

// editedSinceLoad reports whether path changed after its newest instance
// read it, or is gone.
func (s *WatchSystem) editedSinceLoad(path string) bool {
	fi, err := s.stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}
	var newest time.Time
	for _, inst := range s.bridge.Instances().ByPath(path) {
		if inst.Loaded.After(newest) {
			newest = inst.Loaded
		}
	}
	return fi.ModTime().After(newest)
}
