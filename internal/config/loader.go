package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the oceangrid identity.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "oceangrid", EnvPrefix: "OCEANGRID", ConfigName: "oceangrid"}
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile makes Load read path instead of searching. Empty restores
// the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_root", "")
	v.SetDefault("workers", 4)
	v.SetDefault("runs_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("fetch.max_attempts", 5)
	v.SetDefault("fetch.timeout", "5m")
	v.SetDefault("fetch.backoff", "10s")
	v.SetDefault("fetch.max_backoff", "2m")
	v.SetDefault("fetch.rate_limit", 0)

	v.SetDefault("stage.timeout", "30m")
	v.SetDefault("stage.retries", 1)

	v.SetDefault("state.path", "")
	v.SetDefault("state.url", "")
	v.SetDefault("state.auth_token", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("catalog.dsn", "")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.force_path_style", false)
}

// Load builds the configuration. Each override map is nested like the
// config file and beats every other source; later maps win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	SetDefaults(v)

	used, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecsLocked() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.ConfigFile = used
	if cfg.DataRoot != "" {
		cfg.DataRoot = expandHome(cfg.DataRoot)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper) (string, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("read config %s: %w", configFile, err)
		}
		return v.ConfigFileUsed(), nil
	}

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// getUserConfigPaths lists the per-user directories searched for a config
// file. Callers hold configMu.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, appIdentity.ConfigName)}
}

type envSpec struct {
	// Name is the environment variable.
	Name string
	// Path is the dotted config key it sets.
	Path string
}

var envPaths = map[string]string{
	"DATA_ROOT":           "data_root",
	"WORKERS":             "workers",
	"RUNS_DIR":            "runs_dir",
	"LOG_LEVEL":           "logging.level",
	"LOG_FORMAT":          "logging.format",
	"FETCH_MAX_ATTEMPTS":  "fetch.max_attempts",
	"FETCH_TIMEOUT":       "fetch.timeout",
	"FETCH_BACKOFF":       "fetch.backoff",
	"FETCH_MAX_BACKOFF":   "fetch.max_backoff",
	"FETCH_RATE_LIMIT":    "fetch.rate_limit",
	"STAGE_TIMEOUT":       "stage.timeout",
	"STAGE_RETRIES":       "stage.retries",
	"STATE_PATH":          "state.path",
	"STATE_URL":           "state.url",
	"STATE_AUTH_TOKEN":    "state.auth_token",
	"METRICS_ENABLED":     "metrics.enabled",
	"METRICS_HOST":        "metrics.host",
	"METRICS_PORT":        "metrics.port",
	"HOST":                "server.host",
	"PORT":                "server.port",
	"READ_TIMEOUT":        "server.read_timeout",
	"WRITE_TIMEOUT":       "server.write_timeout",
	"IDLE_TIMEOUT":        "server.idle_timeout",
	"SHUTDOWN_TIMEOUT":    "server.shutdown_timeout",
	"CATALOG_DSN":         "catalog.dsn",
	"S3_REGION":           "s3.region",
	"S3_ENDPOINT":         "s3.endpoint",
	"S3_PROFILE":          "s3.profile",
	"S3_FORCE_PATH_STYLE": "s3.force_path_style",
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return getEnvSpecsLocked()
}

func getEnvSpecsLocked() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	prefix := strings.TrimSuffix(strings.ToUpper(appIdentity.EnvPrefix), "_") + "_"
	specs := make([]envSpec, 0, len(envPaths))
	for suffix, path := range envPaths {
		specs = append(specs, envSpec{Name: prefix + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
