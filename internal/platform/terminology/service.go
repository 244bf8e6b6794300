package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ehr/cdshooks/internal/platform/cql"
	"github.com/ehr/cdshooks/internal/platform/metrics"
)

const cacheFileName = "valueset-db.json"

// expansionPageSize is the count requested per $expand page.
const expansionPageSize = 1000

type Options struct {
	CacheDir string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	// HTTPClient replaces the retrying client, mainly for tests.
	HTTPClient *http.Client
}

// Service is a value set cache backed by a directory on disk and the VSAC
// FHIR terminology API. It implements cql.CodeService.
type Service struct {
	mu       sync.RWMutex
	db       ValueSetDB
	cacheDir string
	apiKey   string
	baseURL  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewService loads any cached expansions from opts.CacheDir.
func NewService(opts Options) (*Service, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://cts.nlm.nih.gov/fhir"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.Logger = nil
		retryClient.HTTPClient = &http.Client{Timeout: opts.Timeout}
		client = retryClient.StandardClient()
	}

	s := &Service{
		db:       ValueSetDB{},
		cacheDir: opts.CacheDir,
		apiKey:   opts.APIKey,
		baseURL:  opts.BaseURL,
		client:   client,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vsac",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			if s.metrics != nil {
				s.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	if err := s.loadCache(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) loadCache() error {
	if s.cacheDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.cacheDir, cacheFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read value set cache: %w", err)
	}
	db, err := ParseValueSetDB(data)
	if err != nil {
		return err
	}
	s.db = db
	s.log.Debug().Int("value_sets", len(db)).Str("dir", s.cacheDir).Msg("loaded value set cache")
	return nil
}

func (s *Service) saveCache() error {
	if s.cacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return fmt.Errorf("create value set cache dir: %w", err)
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.db, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal value set cache: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.cacheDir, cacheFileName), data, 0o644); err != nil {
		return fmt.Errorf("write value set cache: %w", err)
	}
	return nil
}

func (s *Service) FindValueSet(id, version string) ([]cql.Code, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.FindValueSet(id, version)
}

// Add stores an expansion, e.g. from a module's bundled value sets.
func (s *Service) Add(db ValueSetDB) {
	s.mu.Lock()
	s.db.Merge(db)
	s.mu.Unlock()
}

// EnsureValueSetsInLibrary makes every value set declared by lib and the
// libraries it includes available locally, downloading missing ones. The
// returned error joins one error per value set that could not be resolved.
func (s *Service) EnsureValueSetsInLibrary(ctx context.Context, lib *cql.Library) error {
	var errs []error
	downloaded := false
	for _, vs := range collectValueSets(lib, map[*cql.Library]bool{}) {
		if _, ok := s.FindValueSet(vs.ID, vs.Version); ok {
			continue
		}
		codes, version, err := s.download(ctx, vs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if vs.Version != "" {
			version = vs.Version
		}
		s.Add(ValueSetDB{NormalizeID(vs.ID): {version: codes}})
		downloaded = true
	}
	if downloaded {
		if err := s.saveCache(); err != nil {
			s.log.Warn().Err(err).Msg("could not persist value set cache")
		}
	}
	return errors.Join(errs...)
}

func collectValueSets(lib *cql.Library, seen map[*cql.Library]bool) []cql.ValueSetDef {
	if lib == nil || seen[lib] {
		return nil
	}
	seen[lib] = true
	out := append([]cql.ValueSetDef{}, lib.ValueSets...)
	for _, inc := range lib.Includes {
		child, err := lib.Included(inc.LocalIdentifier)
		if err != nil {
			continue
		}
		out = append(out, collectValueSets(child, seen)...)
	}
	return out
}

func (s *Service) download(ctx context.Context, vs cql.ValueSetDef) ([]cql.Code, string, error) {
	if s.apiKey == "" {
		s.recordDownload("failure")
		return nil, "", fmt.Errorf("failed to download value set %s: UMLS API key is not set", vs.ID)
	}
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.expand(ctx, vs)
	})
	if err != nil {
		s.recordDownload("failure")
		return nil, "", fmt.Errorf("failed to download value set %s: %w", vs.ID, err)
	}
	s.recordDownload("success")
	exp := result.(*expansionResult)
	s.log.Info().Str("value_set", vs.ID).Int("codes", len(exp.codes)).Msg("downloaded value set")
	return exp.codes, exp.version, nil
}

func (s *Service) recordDownload(outcome string) {
	if s.metrics != nil {
		s.metrics.ValueSetDownloads.WithLabelValues(outcome).Inc()
	}
}

type expansionResult struct {
	codes   []cql.Code
	version string
}

type expandResponse struct {
	Version   string `json:"version"`
	Expansion struct {
		Total    int        `json:"total"`
		Contains []cql.Code `json:"contains"`
	} `json:"expansion"`
}

// expand pages through ValueSet/{oid}/$expand until every code is read.
func (s *Service) expand(ctx context.Context, vs cql.ValueSetDef) (*expansionResult, error) {
	oid := NormalizeID(vs.ID)
	out := &expansionResult{codes: []cql.Code{}}
	for offset := 0; ; {
		q := url.Values{}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("count", strconv.Itoa(expansionPageSize))
		if vs.Version != "" {
			q.Set("valueSetVersion", vs.Version)
		}
		endpoint := fmt.Sprintf("%s/ValueSet/%s/$expand?%s", s.baseURL, url.PathEscape(oid), q.Encode())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth("apikey", s.apiKey)
		req.Header.Set("Accept", "application/fhir+json")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("terminology service returned %d", resp.StatusCode)
		}

		var page expandResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode expansion: %w", err)
		}
		out.version = page.Version
		out.codes = append(out.codes, page.Expansion.Contains...)
		offset += len(page.Expansion.Contains)
		if len(page.Expansion.Contains) == 0 || offset >= page.Expansion.Total {
			return out, nil
		}
	}
}
