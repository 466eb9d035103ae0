// Package catalog holds the tool catalog Stage B selects from and Stage C
// plans against, hot-reloaded from disk so operators can add tools without
// restarting the service.
package catalog

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Tool is one entry in the catalog.
type Tool struct {
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Capabilities     []string `yaml:"capabilities"`
	Inputs           []string `yaml:"inputs"`
	Destructive      bool     `yaml:"destructive"`
	RequiresApproval bool     `yaml:"requires_approval"`

	// Category is matched against Decision.Intent.Category by Stage B's
	// deterministic scorer (spec §4.5's 0.5-weighted category_match signal).
	Category string `yaml:"category"`
	// RequiredEntityTypes are the entity types this tool needs to act (e.g.
	// "host", "namespace"); scored as entity_coverage (0.3 weight).
	RequiredEntityTypes []string `yaml:"required_entity_types"`
	// Platforms lists the environments/platforms this tool can target; scored
	// as platform_compat (0.2 weight) against the Decision's entities.
	Platforms []string `yaml:"platforms"`
	// ReadOnly marks a tool as non-mutating, for the least-privilege
	// preference.
	ReadOnly bool `yaml:"read_only"`
	// ProductionSafe must be true for a tool to be selectable when the
	// Decision targets a production asset.
	ProductionSafe bool `yaml:"production_safe"`
	// Risk is the tool's own operational risk (low/medium/high/critical),
	// used for tie-breaking and the approval_required check — distinct from
	// Decision.Risk, which rates the request, not the tool.
	Risk string `yaml:"risk"`
	// ExpectedDurationS is the tool's typical run time, used as the second
	// tie-break key after risk.
	ExpectedDurationS float64 `yaml:"expected_duration_s"`
}

// Catalog is an immutable snapshot of available tools.
type Catalog struct {
	Tools []Tool
}

// ByName returns the tool with the given name, if present.
func (c *Catalog) ByName(name string) (Tool, bool) {
	if c == nil {
		return Tool{}, false
	}
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Names returns every tool's name, in catalog order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.Tools))
	for i, t := range c.Tools {
		names[i] = t.Name
	}
	return names
}

// Descriptions returns every tool's description, in catalog order.
func (c *Catalog) Descriptions() []string {
	if c == nil {
		return nil
	}
	descs := make([]string, len(c.Tools))
	for i, t := range c.Tools {
		descs[i] = t.Description
	}
	return descs
}

type catalogFile struct {
	Tools []Tool `yaml:"tools"`
}

// parse decodes raw YAML bytes into a Catalog.
func parse(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	return &Catalog{Tools: file.Tools}, nil
}

// Store holds the current catalog snapshot and optionally watches its
// source file for changes.
type Store struct {
	current atomic.Pointer[Catalog]
	path    string
	logger  logrus.FieldLogger
	watcher *fsnotify.Watcher
}

// Load reads path once and returns a Store serving that snapshot.
func Load(path string, logger logrus.FieldLogger) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	c, err := parse(raw)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path, logger: logger}
	s.current.Store(c)
	return s, nil
}

// Current returns the latest catalog snapshot.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// WatchForChanges starts a background goroutine that reloads the catalog
// whenever its source file is written, swapping the snapshot atomically on
// success and logging (without swapping) on a parse failure. Call Close to
// stop watching.
func (s *Store) WatchForChanges() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start catalog watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch catalog file %s: %w", s.path, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Warn("catalog watcher error")
			}
		}
	}()

	return nil
}

func (s *Store) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.WithError(err).Warn("catalog reload: failed to read file, keeping previous snapshot")
		return
	}
	c, err := parse(raw)
	if err != nil {
		s.logger.WithError(err).Warn("catalog reload: failed to parse file, keeping previous snapshot")
		return
	}
	s.current.Store(c)
	s.logger.WithField("tool_count", len(c.Tools)).Info("catalog reloaded")
}

// Close stops the file watcher, if one was started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
