package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"

	"neonsched/internal/cronspec"
	"neonsched/internal/models"
)

// Catalogue is the static template layer: named cron patterns, retry presets
// and per-agent default config blocks. Loaded from a YAML file.
type Catalogue struct {
	CronPresets   map[string]string          `yaml:"cron_presets"`
	RetryPresets  map[string]RetryPreset     `yaml:"retry_presets"`
	AgentDefaults map[string]json.RawMessage `yaml:"-"`

	// rawAgentDefaults keeps the YAML form until Validate converts it to JSON.
	RawAgentDefaults map[string]map[string]any `yaml:"agent_defaults"`
}

// RetryPreset uses Go duration strings in YAML ("500ms", "2m").
type RetryPreset struct {
	MaxRetries int     `yaml:"max_retries"`
	BaseDelay  string  `yaml:"base_delay"`
	Multiplier float64 `yaml:"multiplier"`
	MaxDelay   string  `yaml:"max_delay"`
}

// Policy converts the preset to the model retry policy.
func (p RetryPreset) Policy() (models.RetryPolicy, error) {
	base, err := time.ParseDuration(p.BaseDelay)
	if err != nil {
		return models.RetryPolicy{}, fmt.Errorf("base_delay: %w", err)
	}
	maxD, err := time.ParseDuration(p.MaxDelay)
	if err != nil {
		return models.RetryPolicy{}, fmt.Errorf("max_delay: %w", err)
	}
	if p.MaxRetries < 0 {
		return models.RetryPolicy{}, fmt.Errorf("max_retries must be >= 0")
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	return models.RetryPolicy{
		MaxRetries: p.MaxRetries,
		BaseDelay:  base,
		Multiplier: mult,
		MaxDelay:   maxD,
	}, nil
}

func (c *Catalogue) validate() error {
	for name, expr := range c.CronPresets {
		if err := cronspec.Validate(expr); err != nil {
			return fmt.Errorf("cron preset %q: %w", name, err)
		}
	}
	for name, preset := range c.RetryPresets {
		if _, err := preset.Policy(); err != nil {
			return fmt.Errorf("retry preset %q: %w", name, err)
		}
	}
	c.AgentDefaults = make(map[string]json.RawMessage, len(c.RawAgentDefaults))
	for agent, cfg := range c.RawAgentDefaults {
		b, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("agent default %q: %w", agent, err)
		}
		c.AgentDefaults[agent] = b
	}
	return nil
}

// Templates watches a catalogue file and serves the last good version.
// Invalid updates are rejected and the previous catalogue retained.
type Templates struct {
	path string
	log  zerolog.Logger

	mu  sync.RWMutex
	cat *Catalogue
}

func NewTemplates(path string, log zerolog.Logger) *Templates {
	return &Templates{path: path, log: log, cat: &Catalogue{}}
}

// Load parses and validates the catalogue file and commits it.
func (t *Templates) Load() error {
	b, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}
	cat, err := parseCatalogue(b)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.cat = cat
	t.mu.Unlock()
	return nil
}

func parseCatalogue(b []byte) (*Catalogue, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(b, &cat); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Watch reloads the catalogue when the file changes, until ctx is done.
// Editors often emit several write events per save; the debounce collapses
// them into one reload.
func (t *Templates) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(t.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		reload := func() {
			if err := t.Load(); err != nil {
				t.log.Warn().Err(err).Str("path", t.path).Msg("template reload rejected, keeping previous catalogue")
				return
			}
			t.log.Info().Str("path", t.path).Msg("template catalogue reloaded")
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.log.Warn().Err(err).Msg("template watcher error")
			}
		}
	}()

	return nil
}

// Current returns the active catalogue.
func (t *Templates) Current() *Catalogue {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cat
}

// CronPreset resolves a named cron pattern.
func (t *Templates) CronPreset(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	expr, ok := t.cat.CronPresets[name]
	return expr, ok
}

// RetryPreset resolves a named retry policy.
func (t *Templates) RetryPreset(name string) (models.RetryPolicy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	preset, ok := t.cat.RetryPresets[name]
	if !ok {
		return models.RetryPolicy{}, false
	}
	policy, err := preset.Policy()
	if err != nil {
		// validate() already ran on load; an error here means the zero value.
		return models.RetryPolicy{}, false
	}
	return policy, true
}

// DefaultConfig returns the default config block for an agent type, or nil.
func (t *Templates) DefaultConfig(agentType string) json.RawMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cat.AgentDefaults[agentType]
}
