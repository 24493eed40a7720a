package importer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const resyncDelay = 200 * time.Millisecond

// Watch applies content files as they change until ctx is cancelled.
//
// Directories created at runtime are added to the watch list and their files
// applied. Renames and removals forget the old path and schedule a short
// debounced Sync to pick up wherever the file went.
func (im *Importer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, im.root); err != nil {
		return err
	}
	im.logger.Info("import watcher: started", slog.String("root", im.root))

	var resyncTimer *time.Timer
	var resyncCh <-chan time.Time
	scheduleResync := func() {
		if resyncTimer == nil {
			resyncTimer = time.NewTimer(resyncDelay)
			resyncCh = resyncTimer.C
		} else {
			resyncTimer.Reset(resyncDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if resyncTimer != nil {
				resyncTimer.Stop()
			}
			im.logger.Info("import watcher: stopped")
			return nil

		case <-resyncCh:
			if st, err := im.Sync(ctx); err != nil {
				im.logger.Warn("import watcher: resync failed", slog.String("error", err.Error()))
			} else {
				im.logger.Debug("import watcher: resynced",
					slog.Int("applied", st.Applied),
					slog.Int("forgotten", st.Forgotten))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						im.logger.Warn("import watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					scheduleResync()
					continue
				}
			}

			if !isContentFile(ev.Name) {
				continue
			}
			rel, relErr := filepath.Rel(im.root, ev.Name)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if _, err := im.Apply(ctx, rel); err != nil {
					im.logger.Warn("import watcher: apply failed", slog.String("path", rel), slog.String("error", err.Error()))
				}

			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if err := im.Forget(ctx, rel); err != nil {
					im.logger.Warn("import watcher: forget failed", slog.String("path", rel), slog.String("error", err.Error()))
				}
				scheduleResync()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			im.logger.Error("import watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
