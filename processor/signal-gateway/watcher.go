package signalgateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/signalflow/signal"
)

// spoolDebounce delays processing after the last write event so
// partially written files are not read mid-flight.
const spoolDebounce = 500 * time.Millisecond

// ingester is the subset of the gateway the watcher drives.
type ingester interface {
	ingest(ctx context.Context, req signal.IngestRequest) (*signal.IngestResult, error)
}

// spoolFile is the shape dropped into the spool directory by
// integration exports, as JSON or YAML depending on file extension.
type spoolFile struct {
	AgencyID string         `json:"agency_id" yaml:"agency_id"`
	Source   string         `json:"source" yaml:"source"`
	ClientID string         `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Payload  map[string]any `json:"payload" yaml:"payload"`
}

// decodeSpoolFile parses spool file contents by extension.
func decodeSpoolFile(path string, data []byte) (*spoolFile, error) {
	var file spoolFile
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, err
		}
	}
	return &file, nil
}

// spoolWatcher ingests signal files dropped into a directory.
// Events are debounced per path and re-ingestion of unchanged content
// is suppressed by content hash; the fingerprint dedup window catches
// anything that slips through.
type spoolWatcher struct {
	dir      string
	patterns []string
	gateway  ingester
	logger   *slog.Logger
	fw       *fsnotify.Watcher

	mu       sync.Mutex
	pending  map[string]*time.Timer
	ingested map[string]string // path -> content hash of last successful ingest
}

func newSpoolWatcher(dir string, patterns []string, gateway ingester, logger *slog.Logger) (*spoolWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat spool dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("spool path is not a directory: %s", dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	return &spoolWatcher{
		dir:      dir,
		patterns: patterns,
		gateway:  gateway,
		logger:   logger,
		fw:       fw,
		pending:  make(map[string]*time.Timer),
		ingested: make(map[string]string),
	}, nil
}

// run watches the spool tree until the context is cancelled. Files
// already present at startup are processed first.
func (w *spoolWatcher) run(ctx context.Context) {
	if err := w.watchTree(); err != nil {
		w.logger.Error("Failed to watch spool directory", "dir", w.dir, "error", err)
		return
	}

	w.scanExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Spool watcher error", "error", err)
		}
	}
}

// watchTree registers the spool dir and every existing subdirectory.
func (w *spoolWatcher) watchTree() error {
	return filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fw.Add(path)
		}
		return nil
	})
}

// scanExisting processes files that were dropped before startup.
func (w *spoolWatcher) scanExisting(ctx context.Context) {
	_ = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if w.matches(path) {
			w.processFile(ctx, path)
		}
		return nil
	})
}

// handleEvent debounces create/write events and tracks new
// subdirectories.
func (w *spoolWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fw.Add(event.Name); err != nil {
				w.logger.Warn("Failed to watch new spool subdirectory",
					"dir", event.Name, "error", err)
			}
			return
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !w.matches(event.Name) {
		return
	}

	path := event.Name
	w.mu.Lock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(spoolDebounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.processFile(ctx, path)
	})
	w.mu.Unlock()
}

// matches reports whether path matches any configured spool pattern.
func (w *spoolWatcher) matches(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// processFile ingests one spool file and removes it on success.
func (w *spoolWatcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("Failed to read spool file", "path", path, "error", err)
			spoolFilesTotal.WithLabelValues("failed").Inc()
		}
		return
	}

	hash := contentHash(data)
	w.mu.Lock()
	if w.ingested[path] == hash {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	file, err := decodeSpoolFile(path, data)
	if err != nil {
		w.logger.Warn("Invalid spool file", "path", path, "error", err)
		spoolFilesTotal.WithLabelValues("invalid").Inc()
		return
	}

	result, err := w.gateway.ingest(ctx, signal.IngestRequest{
		AgencyID: file.AgencyID,
		Source:   file.Source,
		ClientID: file.ClientID,
		Payload:  file.Payload,
	})
	if err != nil {
		w.logger.Warn("Spool file ingest failed", "path", path, "error", err)
		spoolFilesTotal.WithLabelValues("failed").Inc()
		return
	}

	w.mu.Lock()
	w.ingested[path] = hash
	w.mu.Unlock()

	outcome := "ingested"
	if result.IsDuplicate {
		outcome = "duplicate"
	}
	spoolFilesTotal.WithLabelValues(outcome).Inc()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Failed to remove processed spool file", "path", path, "error", err)
	}

	w.logger.Info("Spool file ingested",
		"path", path,
		"signal_id", result.Signal.ID,
		"duplicate", result.IsDuplicate,
		"workflows_triggered", result.WorkflowsTriggered)
}

// close releases the underlying fs watcher.
func (w *spoolWatcher) close() {
	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	_ = w.fw.Close()
}

// contentHash fingerprints file contents for change detection.
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
