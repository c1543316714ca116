package signal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"talon/internal/logger"
	"talon/internal/types"

	"github.com/fsnotify/fsnotify"
)

// FileSource watches a JSON file the model process rewrites after each
// prediction. Every write replaces the held signal; a malformed write keeps
// the previous signal and logs a warning.
type FileSource struct {
	path   string
	holder *Holder
}

func NewFileSource(path string) (*FileSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("signal file path cannot be empty")
	}
	return &FileSource{path: path, holder: NewHolder()}, nil
}

func (f *FileSource) Latest() (types.Signal, bool) {
	return f.holder.Latest()
}

// Start loads the file if it already exists and then follows writes until
// the context is cancelled. Watching the directory instead of the file
// survives atomic rename-in-place rewrites.
func (f *FileSource) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating signal watcher: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("creating signal dir %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	f.load()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(f.path) {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					f.load()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("signal watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (f *FileSource) load() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("reading signal file %s: %v", f.path, err)
		}
		return
	}
	sig, err := Parse(data)
	if err != nil {
		logger.Warnf("ignoring signal file %s: %v", f.path, err)
		return
	}
	f.holder.Push(sig)
	logger.Debugf("signal file updated: %s conf=%.2f", sig.Direction, sig.Confidence)
}
