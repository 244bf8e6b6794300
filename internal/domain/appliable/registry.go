package appliable

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/domain/library"
	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/internal/platform/terminology"
)

// Registry holds appliable modules keyed by directory name. Behaviors are
// registered in code; a module without a registered factory gets Standard.
type Registry struct {
	factories map[string]Factory
	modules   map[string]*Module
	log       zerolog.Logger
}

func NewRegistry(factories map[string]Factory, log zerolog.Logger) *Registry {
	if factories == nil {
		factories = map[string]Factory{}
	}
	return &Registry{factories: factories, modules: map[string]*Module{}, log: log}
}

// Register sets the behavior factory used for the module named key.
func (r *Registry) Register(key string, f Factory) {
	r.factories[key] = f
}

// Load reads every immediate subdirectory of dir as a module. A missing
// directory is logged and loads nothing.
func (r *Registry) Load(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.log.Warn().Str("dir", dir).Msg("failed to load appliable modules: not a valid folder path")
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read apply dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := r.loadModule(entry.Name(), filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("load appliable module %s: %w", entry.Name(), err)
		}
		r.log.Info().
			Str("module", m.Key).
			Int("elm", len(m.ELM)).
			Int("resources", len(m.Resources)).
			Strs("prefetch", m.Prefetch.Keys()).
			Msg("loaded appliable module")
	}
	return nil
}

// Add registers an already assembled module, building its behavior.
func (r *Registry) Add(m *Module) error {
	if m.Prefetch.Len() == 0 {
		p, err := library.ExtractPrefetchAll(m.ELM)
		if err != nil {
			return err
		}
		m.Prefetch = p
	}
	factory, ok := r.factories[m.Key]
	if !ok {
		factory = Standard
	}
	b, err := factory(m)
	if err != nil {
		return fmt.Errorf("build behavior: %w", err)
	}
	m.behavior = b
	r.modules[m.Key] = m
	return nil
}

func (r *Registry) loadModule(key, dir string) (*Module, error) {
	m := &Module{Key: key, ValueSets: terminology.ValueSetDB{}}

	elmFiles, err := jsonFiles(filepath.Join(dir, "elm"))
	if err != nil {
		return nil, err
	}
	for _, path := range elmFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		lib, err := cql.ParseLibrary(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		m.ELM = append(m.ELM, lib)
	}
	// Bind the ELM together so prefetch derivation can follow includes.
	cql.NewMapResolver(m.ELM...)

	resourceFiles, err := jsonFiles(filepath.Join(dir, "resources"))
	if err != nil {
		return nil, err
	}
	for _, path := range resourceFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		resources, err := decodeResources(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		m.Resources = append(m.Resources, resources...)
	}

	if data, err := os.ReadFile(filepath.Join(dir, "valuesets.json")); err == nil {
		db, err := terminology.ParseValueSetDB(data)
		if err != nil {
			return nil, err
		}
		m.ValueSets.Merge(db)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	m.ValueSets.Merge(terminology.FromFHIRValueSets(m.Resources))

	if data, err := os.ReadFile(filepath.Join(dir, "prefetch.json")); err == nil {
		if err := json.Unmarshal(data, &m.Prefetch); err != nil {
			return nil, fmt.Errorf("prefetch.json: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := r.Add(m); err != nil {
		return nil, err
	}
	return m, nil
}

// jsonFiles lists the .json files in dir sorted by name. A missing dir has
// none.
func jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// decodeResources accepts a single resource, a Bundle or a JSON array.
func decodeResources(data []byte) ([]map[string]interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(x))
		for _, item := range x {
			if res, ok := item.(map[string]interface{}); ok {
				out = append(out, res)
			}
		}
		return out, nil
	case map[string]interface{}:
		if x["resourceType"] == "Bundle" {
			return fhir.EntryResources(x), nil
		}
		return []map[string]interface{}{x}, nil
	}
	return nil, fmt.Errorf("expected a resource, Bundle or array")
}

// Get returns every loaded module keyed by name.
func (r *Registry) Get() map[string]*Module {
	out := make(map[string]*Module, len(r.modules))
	for k, m := range r.modules {
		out[k] = m
	}
	return out
}

func (r *Registry) Module(key string) (*Module, bool) {
	m, ok := r.modules[key]
	return m, ok
}

// Prefetch returns the prefetch template of the module named key.
func (r *Registry) Prefetch(key string) (library.Prefetch, bool) {
	m, ok := r.modules[key]
	if !ok {
		return library.Prefetch{}, false
	}
	return m.Prefetch, true
}
