package orchestrator

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"warden/internal/logging"
)

// changeWatcher records every path touched under a set of roots while a
// three-stage fix runs. The reviewer gets this set, not the fixer's
// self-report alone.
type changeWatcher struct {
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	seen    map[string]struct{}
	doneCh  chan struct{}
}

// watchChanges arms a recursive watcher over roots. Roots that do not
// exist yet are skipped; directories created while watching are added
// as they appear.
func watchChanges(roots []string) (*changeWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &changeWatcher{
		watcher: watcher,
		seen:    make(map[string]struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, root := range roots {
		if err := addTree(watcher, root); err != nil {
			logging.OrchestratorWarn("watch %s failed: %v", root, err)
		}
	}

	go cw.run()
	return cw, nil
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	fi, err := os.Stat(root)
	if err != nil || !fi.IsDir() {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

func (cw *changeWatcher) run() {
	defer close(cw.doneCh)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleEvent(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.OrchestratorWarn("change watcher: %v", err)
		}
	}
}

func (cw *changeWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := addTree(cw.watcher, event.Name); err != nil {
				logging.OrchestratorWarn("watch new dir %s failed: %v", event.Name, err)
			}
			return
		}
	}

	cw.mu.Lock()
	cw.seen[event.Name] = struct{}{}
	cw.mu.Unlock()
}

// Stop closes the watcher and returns the sorted changed-file set.
func (cw *changeWatcher) Stop() []string {
	if err := cw.watcher.Close(); err != nil {
		logging.OrchestratorWarn("change watcher close: %v", err)
	}
	<-cw.doneCh

	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]string, 0, len(cw.seen))
	for path := range cw.seen {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
