package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"classsync/internal/model"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLASSSYNC_"

const (
	defaultListen     = "127.0.0.1:8080"
	defaultTimezone   = "America/Chicago"
	defaultRefresh    = "0 * * * *"
	defaultWeeks      = 5
	defaultLookahead  = 2
	defaultFetchConc  = 4
	defaultDeriveConc = 4
	defaultStore      = "memory"
	defaultHorizon    = 28
	defaultMaxExpand  = 500
)

// SourceConfig describes the upstream schedule service.
type SourceConfig struct {
	// EmbedURL serves the weekly occurrence feed.
	EmbedURL string `yaml:"embed_url" json:"embed_url"`
	// ClassesURL serves the recurring class definitions of a location.
	ClassesURL string        `yaml:"classes_url" json:"classes_url"`
	ClientID   string        `yaml:"client_id" json:"client_id"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	Retries    int           `yaml:"retries" json:"retries"`
	CacheTTL   time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// CacheDir holds last-good responses. Empty disables the disk cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is one of "memory", "postgres", "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
// PasswordHash is a bcrypt hash, never the clear password.
type BasicAuthConfig struct {
	Username     string `yaml:"username" json:"username"`
	PasswordHash string `yaml:"password_hash" json:"-"`
}

// ExportConfig bounds calendar projection.
type ExportConfig struct {
	HorizonDays            int `yaml:"horizon_days" json:"horizon_days"`
	MaxInstancesPerSession int `yaml:"max_instances_per_session" json:"max_instances_per_session"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone the upstream publishes wall-clock times in.
	Timezone string `yaml:"timezone" json:"timezone"`

	Source SourceConfig `yaml:"source" json:"source"`

	// Weeks is the length of the rolling fetch window.
	Weeks int `yaml:"weeks" json:"weeks"`
	// Lookahead is how many months past today biweekly off-weeks are excluded.
	Lookahead int `yaml:"lookahead" json:"lookahead"`

	// RefreshCron is the cron schedule of reconciliation cycles in serve mode.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	FetchConcurrency  int `yaml:"fetch_concurrency" json:"fetch_concurrency"`
	DeriveConcurrency int `yaml:"derive_concurrency" json:"derive_concurrency"`
	// MaxSessionsPerLocation caps emitted sessions per location. 0 is unlimited.
	MaxSessionsPerLocation int `yaml:"max_sessions_per_location" json:"max_sessions_per_location"`

	// Locations are all sites known to this install.
	Locations []model.Location `yaml:"locations" json:"locations"`
	// EnabledLocations seeds the store's enabled set on first run.
	EnabledLocations []string `yaml:"enabled_locations" json:"enabled_locations"`

	Store StoreConfig `yaml:"store" json:"store"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	Export ExportConfig `yaml:"export" json:"export"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		Timezone: defaultTimezone,
		Source: SourceConfig{
			EmbedURL: "https://groupexpro.com/schedule/embed",
			Timeout:  15 * time.Second,
			Retries:  2,
			CacheTTL: time.Hour,
		},
		Weeks:             defaultWeeks,
		Lookahead:         defaultLookahead,
		RefreshCron:       defaultRefresh,
		FetchConcurrency:  defaultFetchConc,
		DeriveConcurrency: defaultDeriveConc,
		Locations:         []model.Location{},
		EnabledLocations:  []string{},
		Store:             StoreConfig{Driver: defaultStore},
		LogLevel:          "info",
		CORSOrigins:       []string{},
		Export: ExportConfig{
			HorizonDays:            defaultHorizon,
			MaxInstancesPerSession: defaultMaxExpand,
		},
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.Source.EmbedURL == "" {
		c.Source.EmbedURL = d.Source.EmbedURL
	}
	if c.Source.Timeout <= 0 {
		c.Source.Timeout = d.Source.Timeout
	}
	if c.Source.Retries < 0 {
		c.Source.Retries = 0
	}
	if c.Source.CacheTTL <= 0 {
		c.Source.CacheTTL = d.Source.CacheTTL
	}
	if c.Weeks <= 0 {
		c.Weeks = d.Weeks
	}
	if c.Lookahead <= 0 {
		c.Lookahead = d.Lookahead
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = d.FetchConcurrency
	}
	if c.DeriveConcurrency <= 0 {
		c.DeriveConcurrency = d.DeriveConcurrency
	}
	if c.MaxSessionsPerLocation < 0 {
		c.MaxSessionsPerLocation = 0
	}
	if c.Locations == nil {
		c.Locations = []model.Location{}
	}
	if c.EnabledLocations == nil {
		c.EnabledLocations = []string{}
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "memory", "postgres", "sqlite":
	default:
		c.Store.Driver = defaultStore
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.CORSOrigins == nil {
		c.CORSOrigins = []string{}
	}
	if c.Export.HorizonDays <= 0 {
		c.Export.HorizonDays = d.Export.HorizonDays
	}
	if c.Export.MaxInstancesPerSession <= 0 {
		c.Export.MaxInstancesPerSession = d.Export.MaxInstancesPerSession
	}
}

// Validate reports configuration that cannot be normalized away.
func (c *Config) Validate() error {
	var problems []string
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		problems = append(problems, fmt.Sprintf("store.dsn is required for driver %q", c.Store.Driver))
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.PasswordHash == "") {
		problems = append(problems, "basic_auth needs username and password_hash")
	}
	seen := map[string]bool{}
	for i, l := range c.Locations {
		if l.ID == "" || l.ExternalID == "" {
			problems = append(problems, fmt.Sprintf("locations[%d]: id and external_id are required", i))
			continue
		}
		if seen[l.ID] {
			problems = append(problems, fmt.Sprintf("locations[%d]: duplicate id %q", i, l.ID))
		}
		seen[l.ID] = true
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid config: " + strings.Join(problems, "; "))
}

// Location returns the configured location with the given id.
func (c *Config) Location(id string) (model.Location, bool) {
	for _, l := range c.Locations {
		if l.ID == id {
			return l, true
		}
	}
	return model.Location{}, false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - A .env file next to the config (if any) is loaded into the process
//     environment without overriding variables that are already set.
//   - If the config file does not exist a default one is written with
//     0600 perms.
//   - CLASSSYNC_* environment variables override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		cfg.Normalize()
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// ApplyEnv overlays CLASSSYNC_* variables. Secrets and DSNs are meant to
// arrive this way rather than through the YAML file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
		return nil
	}

	str("LISTEN", &c.Listen)
	str("TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.LogLevel)
	str("REFRESH", &c.RefreshCron)
	str("SOURCE_EMBED_URL", &c.Source.EmbedURL)
	str("SOURCE_CLASSES_URL", &c.Source.ClassesURL)
	str("SOURCE_CLIENT_ID", &c.Source.ClientID)
	str("SOURCE_CACHE_DIR", &c.Source.CacheDir)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)

	for key, dst := range map[string]*int{
		"WEEKS":                     &c.Weeks,
		"LOOKAHEAD":                 &c.Lookahead,
		"FETCH_CONCURRENCY":         &c.FetchConcurrency,
		"DERIVE_CONCURRENCY":        &c.DeriveConcurrency,
		"MAX_SESSIONS_PER_LOCATION": &c.MaxSessionsPerLocation,
		"SOURCE_RETRIES":            &c.Source.Retries,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if err := dur("SOURCE_TIMEOUT", &c.Source.Timeout); err != nil {
		return err
	}
	if err := dur("SOURCE_CACHE_TTL", &c.Source.CacheTTL); err != nil {
		return err
	}

	user, _ := lookup(EnvPrefix + "BASIC_AUTH_USERNAME")
	hash, _ := lookup(EnvPrefix + "BASIC_AUTH_PASSWORD_HASH")
	if user != "" || hash != "" {
		if c.BasicAuth == nil {
			c.BasicAuth = &BasicAuthConfig{}
		}
		if user != "" {
			c.BasicAuth.Username = user
		}
		if hash != "" {
			c.BasicAuth.PasswordHash = hash
		}
	}
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "ENABLED_LOCATIONS"); ok && v != "" {
		c.EnabledLocations = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes cfg to path atomically (temp file in the same directory,
// then rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".classsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience wrapper around the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
