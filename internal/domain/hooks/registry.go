package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/domain/library"
)

// PrefetchLookup returns the prefetch template of an appliable module.
type PrefetchLookup interface {
	Prefetch(key string) (library.Prefetch, bool)
}

// Registry holds the hook definitions loaded at startup. Load replaces the
// contents; it must not run while requests are being served.
type Registry struct {
	hooks     map[string]*Hook
	order     []string
	libraries *library.Registry
	apply     PrefetchLookup
	log       zerolog.Logger
}

// NewRegistry creates an empty registry. apply may be nil when no appliable
// modules are configured.
func NewRegistry(libraries *library.Registry, apply PrefetchLookup, log zerolog.Logger) *Registry {
	return &Registry{hooks: map[string]*Hook{}, libraries: libraries, apply: apply, log: log}
}

// Load reads every .json file directly inside dir. Any invalid file fails
// the whole load and leaves the registry unchanged.
func (r *Registry) Load(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("failed to load local hooks at %s: not a valid folder path", filepath.Base(dir))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read hooks dir: %w", err)
	}

	loaded := map[string]*Hook{}
	var order []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		h, err := r.loadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if h == nil {
			continue
		}
		if _, dup := loaded[h.ID]; !dup {
			order = append(order, h.ID)
		}
		loaded[h.ID] = h
	}

	r.hooks = loaded
	r.order = order
	r.log.Info().Int("hooks", len(order)).Str("dir", dir).Msg("loaded hooks")
	return nil
}

// loadFile returns nil for a disabled hook.
func (r *Registry) loadFile(path string) (*Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook %s: %w", filepath.Base(path), err)
	}
	var h Hook
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse hook %s: %w", filepath.Base(path), err)
	}
	if h.Hook == "" || h.ID == "" || h.Description == "" {
		return nil, fmt.Errorf("local hook missing required fields: %s", filepath.Base(path))
	}
	if h.Config != nil && h.Config.Disabled {
		r.log.Info().Str("hook", h.ID).Msg("hook is disabled")
		return nil, nil
	}
	if err := validateCards(&h); err != nil {
		return nil, fmt.Errorf("hook %s: %w", h.ID, err)
	}

	switch {
	case h.UsesCQL() && h.UsesApply():
		return nil, fmt.Errorf("hook %s configures both a CQL library and a PlanDefinition to $apply", h.ID)
	case h.UsesCQL():
		ref := h.Config.CQL.Library
		lib, ok := r.libraries.Resolve(ref.ID, ref.Version)
		if !ok {
			return nil, fmt.Errorf("failed to load CQL library referenced by %s: %s %s", h.ID, ref.ID, ref.Version)
		}
		if h.Prefetch.Len() == 0 {
			p, err := library.ExtractPrefetch(lib)
			if err != nil {
				return nil, fmt.Errorf("hook %s: %w", h.ID, err)
			}
			h.Prefetch = p
		}
	case h.Config != nil && h.Config.Apply != nil:
		key := h.Config.Apply.Key
		if r.apply == nil {
			return nil, fmt.Errorf("hook %s references appliable module %s but none are loaded", h.ID, key)
		}
		p, ok := r.apply.Prefetch(key)
		if !ok {
			return nil, fmt.Errorf("hook %s references unknown appliable module %s", h.ID, key)
		}
		h.Prefetch = p
	}
	return &h, nil
}

func validateCards(h *Hook) error {
	if h.Config == nil {
		return nil
	}
	for _, tmpl := range h.Config.Cards {
		if tmpl.Card["suggestions"] == nil {
			continue
		}
		sb, _ := tmpl.Card["selectionBehavior"].(string)
		switch sb {
		case "":
			return fmt.Errorf("card has suggestions but no selectionBehavior field")
		case "at-most-one":
		default:
			return fmt.Errorf("card has an invalid selectionBehavior: %s", sb)
		}
	}
	return nil
}

// All returns deep copies of every hook in load order. stripConfig removes
// the internal _config, as served by discovery.
func (r *Registry) All(stripConfig bool) []*Hook {
	out := make([]*Hook, 0, len(r.order))
	for _, id := range r.order {
		if h := r.hooks[id].clone(stripConfig); h != nil {
			out = append(out, h)
		}
	}
	return out
}

// Find returns a deep copy of the hook with the given id.
func (r *Registry) Find(id string) (*Hook, bool) {
	h, ok := r.hooks[id]
	if !ok {
		return nil, false
	}
	c := h.clone(false)
	return c, c != nil
}

func (r *Registry) Reset() {
	r.hooks = map[string]*Hook{}
	r.order = nil
}
