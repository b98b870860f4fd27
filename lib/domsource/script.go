package domsource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Script holds the client-specific scraping script read from disk.
type Script struct {
	path string

	mu     sync.RWMutex
	source string

	subsMu sync.Mutex
	subs   map[chan string]struct{}
}

// LoadScript reads the script at path.
func LoadScript(path string) (*Script, error) {
	s := &Script{path: path, subs: make(map[chan string]struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticScript wraps an in-memory script. Watch on it is a no-op.
func NewStaticScript(source string) *Script {
	return &Script{source: source, subs: make(map[chan string]struct{})}
}

// Source returns the current script text.
func (s *Script) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

func (s *Script) reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read DOM source script: %w", err)
	}
	s.mu.Lock()
	changed := s.source != string(b)
	s.source = string(b)
	s.mu.Unlock()

	if changed {
		s.subsMu.Lock()
		for ch := range s.subs {
			// latest wins
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- string(b):
			default:
			}
		}
		s.subsMu.Unlock()
	}
	return nil
}

// Subscribe returns a channel receiving the new script text after each
// reload. Only the latest version is buffered.
func (s *Script) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, ch)
		s.subsMu.Unlock()
	}
}

// Watch reloads the script whenever the file is written or replaced, until ctx
// ends. The parent directory is watched so editor rename-on-save is seen.
func (s *Script) Watch(ctx context.Context, logger *slog.Logger) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					logger.Error("failed to reload DOM source script", "err", err)
					continue
				}
				logger.Info("DOM source script reloaded", "path", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("fsnotify error", "err", err)
			}
		}
	}()
	return nil
}
