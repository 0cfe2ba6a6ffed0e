// Package catalog loads the code-to-track mapping the Command Broker
// resolves PLAY requests against: a YAML file of entries, held
// read-only at runtime and swapped atomically on file-watcher-driven
// reload.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Resolve when code has no entry.
var ErrNotFound = errors.New("catalog: track not found")

// Entry is one catalog record.
type Entry struct {
	Code     string `yaml:"id"`
	Path     string `yaml:"path"`
	Title    string `yaml:"title"`
	Required string `yaml:"required_permission"`
}

type fileFormat struct {
	Tracks []Entry `yaml:"tracks"`
}

// Catalog is an in-memory, read-only (from callers' perspective)
// mapping of track code to Entry, loaded from a YAML file and
// optionally hot-reloaded when that file changes.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string

	source TrackSource
	path   string

	log     *logrus.Logger
	watcher *fsnotify.Watcher
}

// Load parses path into a new Catalog backed by source for opening
// resolved tracks.
func Load(path string, source TrackSource, log *logrus.Logger) (*Catalog, error) {
	c := &Catalog{source: source, path: path, log: log}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("catalog: open %s: %w", c.path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", c.path, err)
	}

	var parsed fileFormat
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("catalog: parse %s: %w", c.path, err)
	}

	entries := make(map[string]Entry, len(parsed.Tracks))
	order := make([]string, 0, len(parsed.Tracks))
	for _, e := range parsed.Tracks {
		entries[e.Code] = e
		order = append(order, e.Code)
	}

	c.mu.Lock()
	c.entries = entries
	c.order = order
	c.mu.Unlock()
	return nil
}

// Resolve returns the entry for code, or ErrNotFound.
func (c *Catalog) Resolve(code string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[code]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List returns every known code, in the order they appear in the
// catalog file.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Open resolves code and opens its backing track via the configured
// TrackSource.
func (c *Catalog) Open(ctx context.Context, code string) (io.ReadSeeker, io.Closer, error) {
	entry, err := c.Resolve(code)
	if err != nil {
		return nil, nil, err
	}
	return c.source.Open(ctx, entry.Path)
}

// WatchForChanges starts an fsnotify watcher on the catalog file and
// reloads it in the background on every write, logging (but not
// failing the watcher on) a bad reload so a broken edit doesn't take
// down an already-serving catalog.
func (c *Catalog) WatchForChanges(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: create watcher: %w", err)
	}
	if err := w.Add(c.path); err != nil {
		w.Close()
		return fmt.Errorf("catalog: watch %s: %w", c.path, err)
	}
	c.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					c.log.WithError(err).WithField("path", c.path).Warn("catalog reload failed, keeping previous contents")
					continue
				}
				c.log.WithField("path", c.path).Info("catalog reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.WithError(err).Warn("catalog watcher error")
			}
		}
	}()
	return nil
}

// Close stops the background watcher, if one was started.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
