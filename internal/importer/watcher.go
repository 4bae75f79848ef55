package importer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalder/scribe/pkg/types"
)

// maxItemsPerBatch mirrors the bulk coordinator's batch ceiling; larger
// files are ingested in consecutive batches.
const maxItemsPerBatch = 50

// BulkIngester is the pipeline surface the watcher feeds.
type BulkIngester interface {
	ProcessBulk(ctx context.Context, owner string, items []types.BulkNoteItem, sessionID string) (*types.BulkResult, error)
}

// Watcher watches a drop directory and ingests note files as they appear.
// Processed files are removed; files that fail to parse are renamed with a
// .rejected suffix so they are not retried forever.
type Watcher struct {
	dir          string
	defaultOwner string
	ingester     BulkIngester
	onIngested   func(file string, result *types.BulkResult)
	watcher      *fsnotify.Watcher
	done         chan struct{}
}

// NewWatcher creates a watcher over dir. onIngested may be nil; when set it
// is called after each successfully ingested file (activity feed hook).
func NewWatcher(dir, defaultOwner string, ingester BulkIngester, onIngested func(file string, result *types.BulkResult)) *Watcher {
	return &Watcher{
		dir:          dir,
		defaultOwner: defaultOwner,
		ingester:     ingester,
		onIngested:   onIngested,
		done:         make(chan struct{}),
	}
}

// Start begins watching. Files already present in the directory are
// ingested first, then new ones as they arrive. Call Stop to clean up.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("importer: failed to create watch dir: %w", err)
	}

	w.drainExisting(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("importer: failed to create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("importer: failed to watch %s: %w", w.dir, err)
	}
	w.watcher = fsw

	go w.loop(ctx)
	log.Printf("importer: watching %s for note files", w.dir)
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isNoteFile(evt.Name) {
				// Give the writer a moment to finish the file.
				time.Sleep(100 * time.Millisecond)
				w.processFile(ctx, evt.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("importer: watcher error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && isNoteFile(entry.Name()) {
			w.processFile(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}
}

// processFile ingests one dropped file and removes it on success.
func (w *Watcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed or still being written
	}

	parsed, err := ParseNoteFile(data)
	if err != nil {
		log.Printf("importer: rejecting %s: %v", filepath.Base(path), err)
		w.reject(path)
		return
	}

	owner := parsed.Owner
	if owner == "" {
		owner = w.defaultOwner
	}
	sessionID := parsed.SessionID
	if sessionID == "" {
		sessionID = "import-" + filepath.Base(path)
	}

	total := &types.BulkResult{SessionID: sessionID}
	for start := 0; start < len(parsed.Items); start += maxItemsPerBatch {
		end := start + maxItemsPerBatch
		if end > len(parsed.Items) {
			end = len(parsed.Items)
		}
		result, err := w.ingester.ProcessBulk(ctx, owner, parsed.Items[start:end], sessionID)
		if err != nil {
			log.Printf("importer: bulk ingestion failed for %s: %v", filepath.Base(path), err)
			w.reject(path)
			return
		}
		total.Stored = append(total.Stored, result.Stored...)
		total.Failed = append(total.Failed, result.Failed...)
		total.TotalProcessed += result.TotalProcessed
		total.SuccessCount += result.SuccessCount
		total.FailureCount += result.FailureCount
		total.TotalTimeMs += result.TotalTimeMs
	}

	if err := os.Remove(path); err != nil {
		log.Printf("importer: failed to remove %s: %v", filepath.Base(path), err)
	}
	log.Printf("importer: ingested %s (%d stored, %d failed)",
		filepath.Base(path), total.SuccessCount, total.FailureCount)

	if w.onIngested != nil {
		w.onIngested(filepath.Base(path), total)
	}
}

// reject renames a bad file out of the watch set.
func (w *Watcher) reject(path string) {
	if err := os.Rename(path, path+".rejected"); err != nil {
		log.Printf("importer: failed to quarantine %s: %v", filepath.Base(path), err)
	}
}

func isNoteFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".txt":
		return true
	}
	return false
}
