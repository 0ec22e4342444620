// Package watch is the file-watcher producer: it observes configured
// project directories and publishes file_change events into the bus. It is
// one of several independent producers; the bus does not know it exists.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pulseboard/pulsed/internal/event"
)

// Publisher is the only coupling point to the rest of the system.
type Publisher interface {
	PublishPayload(projectID string, p event.Payload) (uint64, error)
}

// Rule maps one project to a watched directory.
type Rule struct {
	ProjectID string   `yaml:"project_id"`
	Path      string   `yaml:"path"`
	Ignore    []string `yaml:"ignore,omitempty"` // glob patterns against the base name
}

// Rules is the watch-rule file.
type Rules struct {
	Projects []Rule `yaml:"projects"`
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading watch rules: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("parsing watch rules: %w", err)
	}
	for i, r := range rules.Projects {
		if r.ProjectID == "" || r.Path == "" {
			return Rules{}, fmt.Errorf("watch rule %d: project_id and path are required", i)
		}
	}
	return rules, nil
}

// Watcher publishes file_change events for configured directories.
type Watcher struct {
	rules    Rules
	pub      Publisher
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time // path → last emit
}

// New creates a watcher.
func New(rules Rules, pub Publisher, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		rules:    rules,
		pub:      pub,
		logger:   logger.With().Str("component", "watch").Logger(),
		debounce: debounce,
		lastSeen: make(map[string]time.Time),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	defer fsw.Close()

	byDir := make(map[string]Rule, len(w.rules.Projects))
	for _, r := range w.rules.Projects {
		if err := fsw.Add(r.Path); err != nil {
			return fmt.Errorf("watching %s: %w", r.Path, err)
		}
		byDir[filepath.Clean(r.Path)] = r
		w.logger.Info().Str("project", r.ProjectID).Str("path", r.Path).Msg("watching directory")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case fsEvent, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(byDir, fsEvent)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("fs watcher error")
		}
	}
}

func (w *Watcher) handle(byDir map[string]Rule, fsEvent fsnotify.Event) {
	rule, ok := byDir[filepath.Clean(filepath.Dir(fsEvent.Name))]
	if !ok {
		return
	}

	base := filepath.Base(fsEvent.Name)
	for _, pattern := range rule.Ignore {
		if matched, _ := filepath.Match(pattern, base); matched {
			return
		}
	}

	changeType := classify(fsEvent.Op)
	if changeType == "" {
		return
	}

	// Editors fire bursts of writes for one save; collapse them.
	w.mu.Lock()
	if last, seen := w.lastSeen[fsEvent.Name]; seen && time.Since(last) < w.debounce && changeType == "modified" {
		w.mu.Unlock()
		return
	}
	w.lastSeen[fsEvent.Name] = time.Now()
	w.mu.Unlock()

	_, err := w.pub.PublishPayload(rule.ProjectID, event.FileChangePayload{
		Path:       fsEvent.Name,
		ChangeType: changeType,
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("path", fsEvent.Name).Msg("publish failed")
		return
	}
	w.logger.Debug().
		Str("project", rule.ProjectID).
		Str("path", fsEvent.Name).
		Str("change", changeType).
		Msg("file change published")
}

func classify(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	default:
		return ""
	}
}
