package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	apirules "github.com/always-cache/offline-cache/pkg/api-rules"
	"github.com/always-cache/offline-cache/pkg/freshness"

	"gopkg.in/yaml.v3"
)

const leveldbPrefix = "leveldb:"

// tbaAuthKeyEnv names the environment variable holding The Blue Alliance read key.
const tbaAuthKeyEnv = "TBA_AUTH_KEY"

type Config struct {
	Port     int    `yaml:"port"`
	Origin   string `yaml:"origin"`
	Database string `yaml:"database"`
	TTL      string `yaml:"ttl"`
	Versions struct {
		Static string `yaml:"static"`
		API    string `yaml:"api"`
	} `yaml:"versions"`
	NavigationFallback string         `yaml:"navigationFallback"`
	Manifest           []string       `yaml:"manifest"`
	ExternalAPIs       apirules.Rules `yaml:"externalApis"`

	// compiled
	originURL      *url.URL
	ttl            time.Duration
	missingHeaders []string
}

// defaultConfig is the configuration of the scouting app deployment.
func defaultConfig() Config {
	var cfg Config
	cfg.Port = 8080
	cfg.Database = "cache.db"
	cfg.TTL = freshness.DefaultTTL.String()
	cfg.Versions.Static = "5"
	cfg.Versions.API = "3"
	cfg.NavigationFallback = "/sct/index.html"
	cfg.Manifest = []string{
		"/sct/",
		"/sct/index.html",
		"/sct/pit.html",
		"/sct/2025/field_image.png",
		"/sct/2025/reefscape_config.js",
		"/sct/2025/reefscape_pit_scouting.js",
		"/sct/resources/css/style.css",
		"/sct/resources/js/scoutingApp.js",
		"/sct/resources/js/easy.qrcode.min.js",
		"/sct/resources/js/TBAInterface.js",
		"/sct/resources/images/favicon.ico",
		"/sct/resources/images/field_location_key.png",
		"/sct/resources/fonts/alex.woff",
		"/sct/resources/fonts/alexisv3.ttf",
	}
	cfg.ExternalAPIs = apirules.Rules{{
		Origin:   "https://www.thebluealliance.com",
		Prefixes: []string{"/api/v3/event/"},
		Headers:  map[string]string{"X-TBA-Auth-Key": "${" + tbaAuthKeyEnv + "}"},
	}}
	return cfg
}

// loadConfig reads the YAML config file over the defaults.
// An empty filename returns the defaults.
// The result is not validated, since flags may still override it.
func loadConfig(filename string) (Config, error) {
	cfg := defaultConfig()
	if filename == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filename, err)
	}
	return cfg, nil
}

// validate checks the config and compiles the origin and TTL.
func (cfg *Config) validate() error {
	if cfg.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.Origin, "/"))
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("origin %q is not absolute", cfg.Origin)
	}
	if u.Path != "" {
		return fmt.Errorf("origin %q must not have a path", cfg.Origin)
	}
	cfg.originURL = u

	if cfg.Port <= 0 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.Database == "" {
		return fmt.Errorf("database is required")
	}

	cfg.ttl = freshness.DefaultTTL
	if cfg.TTL != "" {
		d, err := time.ParseDuration(cfg.TTL)
		if err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("ttl must be positive, got %s", cfg.TTL)
		}
		cfg.ttl = d
	}

	if cfg.Versions.Static == "" || cfg.Versions.API == "" {
		return fmt.Errorf("versions.static and versions.api are required")
	}
	for i, p := range cfg.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("manifest[%d]: path %q must be absolute", i, p)
		}
	}
	if cfg.NavigationFallback != "" && !strings.HasPrefix(cfg.NavigationFallback, "/") {
		return fmt.Errorf("navigationFallback: path %q must be absolute", cfg.NavigationFallback)
	}
	for i := range cfg.ExternalAPIs {
		if err := cfg.ExternalAPIs[i].Validate(); err != nil {
			return fmt.Errorf("externalApis[%d]: %w", i, err)
		}
		cfg.ExternalAPIs[i].Headers, cfg.missingHeaders = expandHeaders(cfg.ExternalAPIs[i].Headers, cfg.missingHeaders)
	}
	return nil
}

// expandHeaders replaces ${VAR} references in header values with the
// environment. Headers that expand to nothing are dropped and their names
// appended to missing.
func expandHeaders(headers map[string]string, missing []string) (map[string]string, []string) {
	if len(headers) == 0 {
		return headers, missing
	}
	expanded := make(map[string]string, len(headers))
	for name, value := range headers {
		if v := os.ExpandEnv(value); v != "" {
			expanded[name] = v
		} else {
			missing = append(missing, name)
		}
	}
	return expanded, missing
}

// openProvider opens the cache storage named by the database setting:
// `memory`, `leveldb:<dir>` or a SQLite file name.
func openProvider(database string) (cache.Provider, error) {
	switch {
	case database == "memory":
		return cache.NewMemProvider(0), nil
	case strings.HasPrefix(database, leveldbPrefix):
		p, err := cache.NewLevelDBProvider(strings.TrimPrefix(database, leveldbPrefix), 0)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		p, err := cache.NewSQLiteProvider(database)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
