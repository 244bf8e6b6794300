package library

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/cql"
)

// Registry holds compiled ELM libraries keyed by id and version. It is
// populated at startup and read-only while serving requests. Every library
// added is bound to the registry so its includes resolve through it.
type Registry struct {
	store map[string]map[string]*cql.Library
	log   zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{store: map[string]map[string]*cql.Library{}, log: log}
}

// Add registers lib under its identifier. When the same id and version is
// already present the first copy is kept; differing content is logged.
func (r *Registry) Add(lib *cql.Library) {
	if lib == nil || lib.Name() == "" {
		return
	}
	versions, ok := r.store[lib.Name()]
	if !ok {
		versions = map[string]*cql.Library{}
		r.store[lib.Name()] = versions
	}
	if existing, dup := versions[lib.Version()]; dup {
		if !reflect.DeepEqual(existing.Source, lib.Source) {
			r.log.Warn().
				Str("library", lib.Name()).
				Str("version", lib.Version()).
				Msg("multiple copies of library found with differences in content, keeping the first")
		}
		return
	}
	lib.Bind(r)
	versions[lib.Version()] = lib
}

// AddJSON parses an ELM JSON document and registers it.
func (r *Registry) AddJSON(data []byte) (*cql.Library, error) {
	lib, err := cql.ParseLibrary(data)
	if err != nil {
		return nil, err
	}
	r.Add(lib)
	return lib, nil
}

// Resolve returns the library with exactly the given id and version. An
// empty version selects the latest.
func (r *Registry) Resolve(id, version string) (*cql.Library, bool) {
	if version == "" {
		return r.ResolveLatest(id)
	}
	if lib, ok := r.store[id][version]; ok {
		return lib, true
	}
	r.log.Debug().Str("library", id).Str("version", version).Msg("failed to resolve library")
	return nil, false
}

// ResolveLatest returns the version of id that is greatest under semantic
// version ordering. Versions that are not valid semver sort below those that
// are and compare lexically among themselves.
func (r *Registry) ResolveLatest(id string) (*cql.Library, bool) {
	versions := r.store[id]
	if len(versions) == 0 {
		r.log.Debug().Str("library", id).Msg("failed to resolve latest version of library")
		return nil, false
	}
	var latest string
	first := true
	for v := range versions {
		if first || compareVersions(v, latest) > 0 {
			latest = v
			first = false
		}
	}
	return versions[latest], true
}

func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	}
	return strings.Compare(a, b)
}

// All returns every library ordered by id and then version.
func (r *Registry) All() []*cql.Library {
	var out []*cql.Library
	for _, versions := range r.store {
		for _, lib := range versions {
			out = append(out, lib)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() != out[j].Name() {
			return out[i].Name() < out[j].Name()
		}
		return compareVersions(out[i].Version(), out[j].Version()) < 0
	})
	return out
}

func (r *Registry) Reset() {
	r.store = map[string]map[string]*cql.Library{}
}

// Load adds every .json file under dir, descending into subdirectories. A
// missing directory is logged and leaves the registry unchanged.
func (r *Registry) Load(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		r.log.Error().Str("dir", dir).Msg("failed to load local library repository: not a valid folder path")
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read library %s: %w", path, err)
		}
		if _, err := r.AddJSON(data); err != nil {
			return fmt.Errorf("load library %s: %w", path, err)
		}
		return nil
	})
}
