// Package config loads the gateway's process configuration from
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the validated process configuration.
type Config struct {
	Addr     string // GATEWAY_ADDR
	BasePath string // GATEWAY_BASE_PATH, no trailing slash
	Catalog  string // GATEWAY_CATALOG, path of datasets.yaml
	CacheDir string // GATEWAY_CACHE_DIR; empty keeps renders in memory
	FlagDir  string // GATEWAY_FLAG_DIR; empty disables flag files

	RedisAddr string // GATEWAY_REDIS_ADDR; empty disables the redis signal queue
	RedisKey  string // GATEWAY_REDIS_KEY

	RolesDB     string // GATEWAY_ROLES_DB; sqlite path, empty means no roles
	UserHeader  string // GATEWAY_USER_HEADER
	LoginURL    string // GATEWAY_LOGIN_URL
	ListPrivate bool   // GATEWAY_LIST_PRIVATE

	WCSActive bool // GATEWAY_WCS_ACTIVE
	SOSActive bool // GATEWAY_SOS_ACTIVE

	LoadInterval      time.Duration // GATEWAY_LOAD_INTERVAL
	FlagInterval      time.Duration // GATEWAY_FLAG_INTERVAL
	CacheMaxAge       time.Duration // GATEWAY_CACHE_MAX_AGE
	ReloadParallelism int           // GATEWAY_RELOAD_PARALLELISM

	WMSMaxWidth  int // GATEWAY_WMS_MAX_WIDTH
	WMSMaxHeight int // GATEWAY_WMS_MAX_HEIGHT
	WMSMaxLayers int // GATEWAY_WMS_MAX_LAYERS

	ReloadWaitTicks int           // GATEWAY_RELOAD_WAIT
	ReloadWaitTick  time.Duration // GATEWAY_RELOAD_TICK

	LogLevel           string   // GATEWAY_LOG_LEVEL
	CategoryAttributes []string // GATEWAY_CATEGORY_ATTRIBUTES, comma separated
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Addr:              ":8080",
		BasePath:          "/erddap",
		Catalog:           "datasets.yaml",
		RedisKey:          "gateway:reload",
		WCSActive:         true,
		SOSActive:         true,
		LoadInterval:      15 * time.Minute,
		FlagInterval:      5 * time.Second,
		CacheMaxAge:       24 * time.Hour,
		ReloadParallelism: 4,
		WMSMaxWidth:       2048,
		WMSMaxHeight:      2048,
		WMSMaxLayers:      16,
		ReloadWaitTicks:   30,
		ReloadWaitTick:    time.Second,
		LogLevel:          "info",
		CategoryAttributes: []string{
			"cdm_data_type", "institution", "ioos_category", "keywords",
			"long_name", "standard_name", "variableName",
		},
	}
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from lookup, starting from Default. Every parse
// problem is reported, not only the first.
func Load(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.str("GATEWAY_ADDR", &c.Addr)
	p.str("GATEWAY_BASE_PATH", &c.BasePath)
	p.str("GATEWAY_CATALOG", &c.Catalog)
	p.str("GATEWAY_CACHE_DIR", &c.CacheDir)
	p.str("GATEWAY_FLAG_DIR", &c.FlagDir)
	p.str("GATEWAY_REDIS_ADDR", &c.RedisAddr)
	p.str("GATEWAY_REDIS_KEY", &c.RedisKey)
	p.str("GATEWAY_ROLES_DB", &c.RolesDB)
	p.str("GATEWAY_USER_HEADER", &c.UserHeader)
	p.str("GATEWAY_LOGIN_URL", &c.LoginURL)
	p.boolean("GATEWAY_LIST_PRIVATE", &c.ListPrivate)
	p.boolean("GATEWAY_WCS_ACTIVE", &c.WCSActive)
	p.boolean("GATEWAY_SOS_ACTIVE", &c.SOSActive)
	p.duration("GATEWAY_LOAD_INTERVAL", &c.LoadInterval)
	p.duration("GATEWAY_FLAG_INTERVAL", &c.FlagInterval)
	p.duration("GATEWAY_CACHE_MAX_AGE", &c.CacheMaxAge)
	p.integer("GATEWAY_RELOAD_PARALLELISM", &c.ReloadParallelism)
	p.integer("GATEWAY_WMS_MAX_WIDTH", &c.WMSMaxWidth)
	p.integer("GATEWAY_WMS_MAX_HEIGHT", &c.WMSMaxHeight)
	p.integer("GATEWAY_WMS_MAX_LAYERS", &c.WMSMaxLayers)
	p.integer("GATEWAY_RELOAD_WAIT", &c.ReloadWaitTicks)
	p.duration("GATEWAY_RELOAD_TICK", &c.ReloadWaitTick)
	p.str("GATEWAY_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("GATEWAY_CATEGORY_ATTRIBUTES"); ok {
		c.CategoryAttributes = nil
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				c.CategoryAttributes = append(c.CategoryAttributes, a)
			}
		}
	}

	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	if c.BasePath == "/" {
		c.BasePath = ""
	}
	if err := errors.Join(append(p.errs, c.validate()...)...); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) validate() []error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("GATEWAY_WMS_MAX_WIDTH", c.WMSMaxWidth)
	positive("GATEWAY_WMS_MAX_HEIGHT", c.WMSMaxHeight)
	positive("GATEWAY_WMS_MAX_LAYERS", c.WMSMaxLayers)
	positive("GATEWAY_RELOAD_WAIT", c.ReloadWaitTicks)
	positive("GATEWAY_RELOAD_PARALLELISM", c.ReloadParallelism)
	for name, d := range map[string]time.Duration{
		"GATEWAY_LOAD_INTERVAL": c.LoadInterval,
		"GATEWAY_FLAG_INTERVAL": c.FlagInterval,
		"GATEWAY_RELOAD_TICK":   c.ReloadWaitTick,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Catalog == "" {
		errs = append(errs, errors.New("GATEWAY_CATALOG must be set"))
	}
	return errs
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.get(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

// duration accepts Go durations ("90s") and bare seconds ("90").
func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok || v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}
