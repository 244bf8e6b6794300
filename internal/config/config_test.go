package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "3000" {
		t.Errorf("expected default port 3000, got %s", cfg.Port)
	}
	if cfg.HooksDir != "config/hooks" {
		t.Errorf("expected default hooks dir, got %s", cfg.HooksDir)
	}
	if cfg.VSACCacheDir != ".vsac_cache" {
		t.Errorf("expected default VSAC cache dir, got %s", cfg.VSACCacheDir)
	}
	if cfg.MaxRequestSize != "1M" {
		t.Errorf("expected default max request size 1M, got %s", cfg.MaxRequestSize)
	}
	if cfg.FHIRClientTimeout != 30*time.Second {
		t.Errorf("expected 30s client timeout, got %s", cfg.FHIRClientTimeout)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("expected CORS origins [*], got %v", cfg.CORSOrigins)
	}
	if cfg.IgnoreVSACErrors || cfg.SmartIfNoPrefetch || cfg.CollapseCards {
		t.Error("expected feature flags to default to false")
	}
	if len(cfg.AltFHIRQueries) != 0 {
		t.Errorf("expected no alternate queries, got %v", cfg.AltFHIRQueries)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("IGNORE_VSAC_ERRORS", "true")
	t.Setenv("SMART_IF_NO_PREFETCH", "true")
	t.Setenv("ALT_FHIR_QUERIES", "Custom?patient={{context.patientId}}; Other/1")
	t.Setenv("CORS_ORIGINS", "http://a.example,http://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if !cfg.IgnoreVSACErrors {
		t.Error("expected IGNORE_VSAC_ERRORS to be true")
	}
	if !cfg.SmartIfNoPrefetch {
		t.Error("expected SMART_IF_NO_PREFETCH to be true")
	}
	if len(cfg.AltFHIRQueries) != 2 || cfg.AltFHIRQueries[1] != "Other/1" {
		t.Errorf("unexpected alternate queries: %v", cfg.AltFHIRQueries)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("expected 2 CORS origins, got %v", cfg.CORSOrigins)
	}
}

func TestSplitQueries_KeepsSearchCommas(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Observation?code=a,b&patient={{context.patientId}}", []string{"Observation?code=a,b&patient={{context.patientId}}"}},
		{"Condition?patient=1;Observation?code=a,b", []string{"Condition?patient=1", "Observation?code=a,b"}},
		{"Condition?patient=1\n Observation?code=a,b \r\n;", []string{"Condition?patient=1", "Observation?code=a,b"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitQueries(tt.in)); diff != "" {
			t.Errorf("splitQueries(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}

	t.Setenv("ALT_FHIR_QUERIES", "Observation?code=http://loinc.org|1,http://loinc.org|2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AltFHIRQueries) != 1 {
		t.Errorf("expected one query template, got %v", cfg.AltFHIRQueries)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hook.json")
	if err := os.WriteFile(file, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	valid := Config{Port: "3000", HooksDir: dir}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]Config{
		"bad port":      {Port: "zero", HooksDir: dir},
		"negative port": {Port: "-1", HooksDir: dir},
		"missing hooks": {Port: "3000", HooksDir: filepath.Join(dir, "nope")},
		"hooks not dir": {Port: "3000", HooksDir: file},
		"half TLS pair": {Port: "3000", HooksDir: dir, TLSCertFile: "cert.pem"},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestTLSEnabled(t *testing.T) {
	c := Config{TLSCertFile: "c", TLSKeyFile: "k"}
	if !c.TLSEnabled() {
		t.Error("expected TLS enabled")
	}
	c.TLSKeyFile = ""
	if c.TLSEnabled() {
		t.Error("expected TLS disabled with half a pair")
	}
}
