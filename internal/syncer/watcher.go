package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/locstore/ldm/internal/codec"
	"github.com/locstore/ldm/internal/types"
)

// importedSuffix marks drop-folder files that were already ingested.
const importedSuffix = ".imported"

// settleDelay is how long a drop-folder file must stay quiet before the
// watcher imports it; copies in flight fire many write events.
const settleDelay = 500 * time.Millisecond

// DropProject is where drop-folder imports land inside Offline Storage.
const DropProject = "Imported"

// Watcher ingests .tsv files dropped into a folder, importing each into the
// Offline Storage sandbox and renaming it with a .imported suffix.
type Watcher struct {
	engine *Engine
	dir    string

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher builds a drop-folder watcher rooted at dir.
func NewWatcher(engine *Engine, dir string) *Watcher {
	return &Watcher{engine: engine, dir: dir, pending: make(map[string]*time.Timer)}
}

// Run watches the folder until ctx is cancelled. Existing .tsv files are
// imported on startup so drops made while the server was down are not lost.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(w.dir); err != nil {
		return err
	}

	w.sweepExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && eligible(event.Name) {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.engine.log.Warn("drop folder watch error", "error", err)
		}
	}
}

func eligible(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(strings.ToLower(name), ".tsv") && !strings.HasPrefix(name, ".")
}

// schedule (re)arms the settle timer for one file; the last event wins.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if err := w.importFile(ctx, path); err != nil {
			w.engine.log.Warn("drop folder import failed", "file", path, "error", err)
		}
	})
}

func (w *Watcher) sweepExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.engine.log.Warn("drop folder scan failed", "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && eligible(entry.Name()) {
			path := filepath.Join(w.dir, entry.Name())
			if err := w.importFile(ctx, path); err != nil {
				w.engine.log.Warn("drop folder import failed", "file", path, "error", err)
			}
		}
	}
}

// importFile ingests one .tsv into Offline Storage and marks the source as
// imported so it is not picked up again.
func (w *Watcher) importFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	c, err := codec.For(types.FormatTSV)
	if err != nil {
		_ = f.Close()
		return err
	}
	rows, err := c.Read(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	project, err := w.engine.OfflineProject(ctx, DropProject)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	file := &types.File{Name: name, ProjectID: project.ID, Format: types.FormatTSV}
	if err := createWithSuffix(file.Name, func(n string) error {
		file.Name = n
		return w.engine.local.CreateFile(ctx, file)
	}); err != nil {
		return err
	}
	if len(rows) > 0 {
		if err := w.engine.local.BulkUpsertRows(ctx, file.ID, rows); err != nil {
			return err
		}
	}
	w.engine.log.Info("drop folder file imported", "file", path, "rows", len(rows), "file_id", file.ID)
	return os.Rename(path, path+importedSuffix)
}
