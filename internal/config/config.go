package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	HooksDir          string        `mapstructure:"HOOKS_DIR"`
	LibrariesDir      string        `mapstructure:"LIBRARIES_DIR"`
	ApplyDir          string        `mapstructure:"APPLY_DIR"`
	VSACCacheDir      string        `mapstructure:"VSAC_CACHE_DIR"`
	VSACFHIRURL       string        `mapstructure:"VSAC_FHIR_URL"`
	UMLSAPIKey        string        `mapstructure:"UMLS_API_KEY"`
	IgnoreVSACErrors  bool          `mapstructure:"IGNORE_VSAC_ERRORS"`
	SmartIfNoPrefetch bool          `mapstructure:"SMART_IF_NO_PREFETCH"`
	AltFHIRQueries    []string      `mapstructure:"ALT_FHIR_QUERIES"`
	CollapseCards     bool          `mapstructure:"COLLAPSE_CARDS"`
	MaxRequestSize    string        `mapstructure:"CQL_SERVICES_MAX_REQUEST_SIZE"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	FHIRClientTimeout time.Duration `mapstructure:"FHIR_CLIENT_TIMEOUT"`
	TLSCertFile       string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile        string        `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3000")
	v.SetDefault("ENV", "development")
	v.SetDefault("HOOKS_DIR", "config/hooks")
	v.SetDefault("LIBRARIES_DIR", "config/libraries")
	v.SetDefault("APPLY_DIR", "config/apply")
	v.SetDefault("VSAC_CACHE_DIR", ".vsac_cache")
	v.SetDefault("VSAC_FHIR_URL", "https://cts.nlm.nih.gov/fhir")
	v.SetDefault("IGNORE_VSAC_ERRORS", false)
	v.SetDefault("SMART_IF_NO_PREFETCH", false)
	v.SetDefault("COLLAPSE_CARDS", false)
	v.SetDefault("CQL_SERVICES_MAX_REQUEST_SIZE", "1M")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("FHIR_CLIENT_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "HOOKS_DIR", "LIBRARIES_DIR", "APPLY_DIR",
		"VSAC_CACHE_DIR", "VSAC_FHIR_URL", "UMLS_API_KEY", "IGNORE_VSAC_ERRORS",
		"SMART_IF_NO_PREFETCH", "ALT_FHIR_QUERIES", "COLLAPSE_CARDS",
		"CQL_SERVICES_MAX_REQUEST_SIZE", "CORS_ORIGINS", "FHIR_CLIENT_TIMEOUT",
		"TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.AltFHIRQueries = splitQueries(v.GetString("ALT_FHIR_QUERIES"))

	return cfg, nil
}

func splitList(s string) []string {
	return trimmed(strings.Split(s, ","))
}

// splitQueries splits FHIR query templates on semicolons or newlines. Commas
// are left alone since search parameters use them for OR values.
func splitQueries(s string) []string {
	return trimmed(strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	}))
}

func trimmed(parts []string) []string {
	var out []string
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// TLSEnabled reports whether both halves of the TLS key pair are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Validate checks that the configuration is usable before any registry is
// loaded: the port must be a positive number, the hooks directory must exist
// and a TLS key pair must be given in full or not at all.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 {
		return fmt.Errorf("PORT must be a positive integer, got %q", c.Port)
	}

	info, err := os.Stat(c.HooksDir)
	if err != nil {
		return fmt.Errorf("HOOKS_DIR %q is not readable: %w", c.HooksDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("HOOKS_DIR %q is not a directory", c.HooksDir)
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	return nil
}
