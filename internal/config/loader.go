// Package config loads MASH's runtime configuration: one YAML file
// (by default /etc/mash/mash_config.yaml, or ./mash_config.yaml during
// local development) layered under defaults, environment variable
// overrides, and finally programmatic overrides passed to Load —
// mirroring the teacher's internal/config precedence chain
// (defaults < config file < env < explicit Set).
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP control surface every MASH service
// exposes for health checks, independent of which broker stage it runs.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig controls internal/observability's zap setup.
type LoggingConfig struct {
	Level   string
	Profile string // STRUCTURED or CONSOLE
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// HealthConfig controls the /healthz endpoint.
type HealthConfig struct {
	Enabled bool
}

// DebugConfig gates pprof and verbose debug behavior.
type DebugConfig struct {
	Enabled      bool
	PprofEnabled bool
}

// MashConfig holds every MASH-domain setting spec.md §6 names.
type MashConfig struct {
	LogDir               string
	JobDirectoryBase     string
	AMQPHost             string
	AMQPPort             int
	AMQPUser             string
	AMQPPass             string
	AMQPVHost            string
	JWTSecret            string
	JWTAlgorithm         string
	SMTPHost             string
	SMTPPort             int
	SMTPUser             string
	SMTPPass             string
	SMTPFrom             string
	SMTPTLS              bool
	CredentialsURL       string
	DatabaseAPIURL       string
	SSHPrivateKeyFile    string
	ImgProofTimeout      time.Duration
	AzureMaxWorkers      int
	BaseThreadPoolCount  int
	PublishThreadPoolCount int
	MaxOCIAttempts       int
	MaxOCIWaitSeconds    int
	EmailAllowlist       []string
	DomainAllowlist      []string
	AuthMethods          []string
	OBSRepoBaseDir       string
	OBSRepoBucket        string
	OBSPollInterval      time.Duration
}

// Config is the fully resolved configuration for one MASH process.
type Config struct {
	Server  ServerConfig
	Logging LoggingConfig
	Metrics MetricsConfig
	Health  HealthConfig
	Debug   DebugConfig
	Workers int
	Mash    MashConfig
}

// envSpec maps one environment variable onto a dot-separated viper key.
type envSpec struct {
	Name string
	Path string
}

// identity names the application for env-var prefixing and user config
// path resolution. A minimal stand-in for the teacher's AppIdentity
// type: this repo doesn't need the full identity surface, just the
// app name the prefix and paths are derived from.
type identity struct {
	Name string
}

const envPrefix = "MASH_"

var (
	configMu    sync.Mutex
	appIdentity *identity
	appConfig   *Config
)

func ensureIdentity() {
	if appIdentity == nil {
		appIdentity = &identity{Name: "mash"}
	}
}

// getEnvSpecs returns the full set of environment variable mappings.
// Returns nil if no identity has been established (Load has never run
// or has been reset), matching the teacher's "no identity, no specs"
// contract.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return nil
	}
	return []envSpec{
		{Name: envPrefix + "HOST", Path: "server.host"},
		{Name: envPrefix + "PORT", Path: "server.port"},
		{Name: envPrefix + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: envPrefix + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: envPrefix + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: envPrefix + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: envPrefix + "LOG_LEVEL", Path: "logging.level"},
		{Name: envPrefix + "LOG_PROFILE", Path: "logging.profile"},
		{Name: envPrefix + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: envPrefix + "METRICS_PORT", Path: "metrics.port"},
		{Name: envPrefix + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: envPrefix + "DEBUG_ENABLED", Path: "debug.enabled"},
		{Name: envPrefix + "PPROF_ENABLED", Path: "debug.pprof_enabled"},
		{Name: envPrefix + "WORKERS", Path: "workers"},

		{Name: envPrefix + "LOG_DIR", Path: "mash.log_dir"},
		{Name: envPrefix + "JOB_DIRECTORY_BASE", Path: "mash.job_directory_base"},
		{Name: envPrefix + "AMQP_HOST", Path: "mash.amqp_host"},
		{Name: envPrefix + "AMQP_PORT", Path: "mash.amqp_port"},
		{Name: envPrefix + "AMQP_USER", Path: "mash.amqp_user"},
		{Name: envPrefix + "AMQP_PASS", Path: "mash.amqp_pass"},
		{Name: envPrefix + "AMQP_VHOST", Path: "mash.amqp_vhost"},
		{Name: envPrefix + "JWT_SECRET", Path: "mash.jwt_secret"},
		{Name: envPrefix + "JWT_ALGORITHM", Path: "mash.jwt_algorithm"},
		{Name: envPrefix + "SMTP_HOST", Path: "mash.smtp_host"},
		{Name: envPrefix + "SMTP_PORT", Path: "mash.smtp_port"},
		{Name: envPrefix + "SMTP_USER", Path: "mash.smtp_user"},
		{Name: envPrefix + "SMTP_PASS", Path: "mash.smtp_pass"},
		{Name: envPrefix + "SMTP_FROM", Path: "mash.smtp_from"},
		{Name: envPrefix + "SMTP_TLS", Path: "mash.smtp_tls"},
		{Name: envPrefix + "CREDENTIALS_URL", Path: "mash.credentials_url"},
		{Name: envPrefix + "DATABASE_API_URL", Path: "mash.database_api_url"},
		{Name: envPrefix + "SSH_PRIVATE_KEY_FILE", Path: "mash.ssh_private_key_file"},
		{Name: envPrefix + "IMG_PROOF_TIMEOUT", Path: "mash.img_proof_timeout"},
		{Name: envPrefix + "AZURE_MAX_WORKERS", Path: "mash.azure_max_workers"},
		{Name: envPrefix + "BASE_THREAD_POOL_COUNT", Path: "mash.base_thread_pool_count"},
		{Name: envPrefix + "PUBLISH_THREAD_POOL_COUNT", Path: "mash.publish_thread_pool_count"},
		{Name: envPrefix + "MAX_OCI_ATTEMPTS", Path: "mash.max_oci_attempts"},
		{Name: envPrefix + "MAX_OCI_WAIT_SECONDS", Path: "mash.max_oci_wait_seconds"},
		{Name: envPrefix + "OBS_REPO_BASE_DIR", Path: "mash.obs_repo_base_dir"},
		{Name: envPrefix + "OBS_REPO_BUCKET", Path: "mash.obs_repo_bucket"},
		{Name: envPrefix + "OBS_POLL_INTERVAL", Path: "mash.obs_poll_interval"},
	}
}

// getUserConfigPaths returns the config file locations Load searches,
// in priority order. Returns nil if no identity has been established.
func getUserConfigPaths() []string {
	if appIdentity == nil {
		return nil
	}
	var paths []string
	if root, err := findProjectRoot(); err == nil {
		paths = append(paths, filepath.Join(root, appIdentity.Name+"_config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appIdentity.Name, "config.yaml"))
	}
	paths = append(paths, filepath.Join("/etc", appIdentity.Name, appIdentity.Name+"_config.yaml"))
	return paths
}

// findProjectRoot locates the repository root. In CI, several CI
// systems export the checkout directory under a different env var; in
// a container where $HOME doesn't contain the checkout (common in CI),
// walking up from the working directory toward $HOME can miss the
// actual root, so an explicit CI boundary hint takes priority when
// present, absolute, existing, and an ancestor of the working
// directory. Otherwise falls back to walking up from the working
// directory for a go.mod.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("config: getwd: %w", err)
	}

	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, envVar := range []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
			boundary := os.Getenv(envVar)
			if boundary == "" || !filepath.IsAbs(boundary) {
				continue
			}
			info, err := os.Stat(boundary)
			if err != nil || !info.IsDir() {
				continue
			}
			clean := filepath.Clean(boundary)
			if clean == cwd || strings.HasPrefix(cwd, clean+string(os.PathSeparator)) {
				return clean, nil
			}
		}
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("config: no go.mod found above %s", cwd)
		}
		dir = parent
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("mash.log_dir", "/var/log/mash")
	v.SetDefault("mash.job_directory_base", "/var/lib/mash/jobs")
	v.SetDefault("mash.amqp_host", "localhost")
	v.SetDefault("mash.amqp_port", 5672)
	v.SetDefault("mash.amqp_user", "guest")
	v.SetDefault("mash.amqp_vhost", "")
	v.SetDefault("mash.jwt_algorithm", "HS256")
	v.SetDefault("mash.smtp_port", 25)
	v.SetDefault("mash.smtp_tls", false)
	v.SetDefault("mash.img_proof_timeout", "600s")
	v.SetDefault("mash.azure_max_workers", 5)
	v.SetDefault("mash.base_thread_pool_count", 10)
	v.SetDefault("mash.publish_thread_pool_count", 50)
	v.SetDefault("mash.max_oci_attempts", 3)
	v.SetDefault("mash.max_oci_wait_seconds", 900)
	v.SetDefault("mash.auth_methods", []string{"static"})
	v.SetDefault("mash.obs_poll_interval", "30s")
}

// flatten turns a nested map (as passed to Load's overrides parameter)
// into dot-path -> value pairs, so every override can be applied with
// viper's highest-precedence Set, regardless of nesting depth.
func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(path, nested, out)
			continue
		}
		out[path] = v
	}
}

// Load resolves configuration from defaults, an optional config file,
// environment variables, and finally runtime overrides (highest
// precedence, in the order given — later overrides win over earlier
// ones). The result is cached and retrievable via GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	ensureIdentity()

	v := viper.New()
	setDefaults(v)

	for _, path := range getUserConfigPaths() {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				continue
			}
			if os.IsNotExist(err) {
				continue
			}
			continue // a malformed config file falls back to defaults/env rather than failing startup
		}
	}

	for _, spec := range getEnvSpecs() {
		_ = v.BindEnv(spec.Path, spec.Name)
	}

	flat := make(map[string]any)
	for _, o := range overrides {
		flatten("", o, flat)
	}
	for path, val := range flat {
		v.Set(path, val)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Logging: LoggingConfig{
			Level:   v.GetString("logging.level"),
			Profile: strings.ToUpper(v.GetString("logging.profile")),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Port:    v.GetInt("metrics.port"),
		},
		Health: HealthConfig{
			Enabled: v.GetBool("health.enabled"),
		},
		Debug: DebugConfig{
			Enabled:      v.GetBool("debug.enabled"),
			PprofEnabled: v.GetBool("debug.pprof_enabled"),
		},
		Workers: v.GetInt("workers"),
		Mash: MashConfig{
			LogDir:                 v.GetString("mash.log_dir"),
			JobDirectoryBase:       v.GetString("mash.job_directory_base"),
			AMQPHost:               v.GetString("mash.amqp_host"),
			AMQPPort:               v.GetInt("mash.amqp_port"),
			AMQPUser:               v.GetString("mash.amqp_user"),
			AMQPPass:               v.GetString("mash.amqp_pass"),
			AMQPVHost:              v.GetString("mash.amqp_vhost"),
			JWTSecret:              v.GetString("mash.jwt_secret"),
			JWTAlgorithm:           v.GetString("mash.jwt_algorithm"),
			SMTPHost:               v.GetString("mash.smtp_host"),
			SMTPPort:               v.GetInt("mash.smtp_port"),
			SMTPUser:               v.GetString("mash.smtp_user"),
			SMTPPass:               v.GetString("mash.smtp_pass"),
			SMTPFrom:               v.GetString("mash.smtp_from"),
			SMTPTLS:                v.GetBool("mash.smtp_tls"),
			CredentialsURL:         v.GetString("mash.credentials_url"),
			DatabaseAPIURL:         v.GetString("mash.database_api_url"),
			SSHPrivateKeyFile:      v.GetString("mash.ssh_private_key_file"),
			ImgProofTimeout:        v.GetDuration("mash.img_proof_timeout"),
			AzureMaxWorkers:        v.GetInt("mash.azure_max_workers"),
			BaseThreadPoolCount:    v.GetInt("mash.base_thread_pool_count"),
			PublishThreadPoolCount: v.GetInt("mash.publish_thread_pool_count"),
			MaxOCIAttempts:         v.GetInt("mash.max_oci_attempts"),
			MaxOCIWaitSeconds:      v.GetInt("mash.max_oci_wait_seconds"),
			EmailAllowlist:         v.GetStringSlice("mash.email_allowlist"),
			DomainAllowlist:        v.GetStringSlice("mash.domain_allowlist"),
			AuthMethods:            v.GetStringSlice("mash.auth_methods"),
			OBSRepoBaseDir:         v.GetString("mash.obs_repo_base_dir"),
			OBSRepoBucket:          v.GetString("mash.obs_repo_bucket"),
			OBSPollInterval:        v.GetDuration("mash.obs_poll_interval"),
		},
	}

	appConfig = cfg
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil if
// Load has never been called.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}
