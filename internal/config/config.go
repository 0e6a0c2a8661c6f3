// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides layered configuration for workbridge: defaults,
// an optional YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxLease is the upper bound on a consumer lock lease.
const MaxLease = 10 * time.Minute

// Duration is a time.Duration that additionally unmarshals from YAML
// duration strings ("15s", "2m") and bare integers (milliseconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Integers first: any scalar also decodes into a string.
	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the daemon and CLI.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Work     WorkConfig     `yaml:"work"`
	Events   EventsConfig   `yaml:"events"`
	Sync     SyncConfig     `yaml:"sync"`
	Store    StoreConfig    `yaml:"store"`
	Launcher LauncherConfig `yaml:"launcher"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener and shutdown budget.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// ShutdownTimeout is the upper bound on graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// StreamRateLimit caps push-stream requests per identity per second.
	// Zero disables rate limiting.
	StreamRateLimit float64 `yaml:"stream_rate_limit"`

	// StreamRateBurst is the rate limiter burst size.
	StreamRateBurst int `yaml:"stream_rate_burst"`
}

// WorkConfig configures the sandbox mount and per-request work roots.
type WorkConfig struct {
	// Root is the base sandbox mount. Must be absolute.
	Root string `yaml:"root"`

	// PrefixTemplate renders the per-request work root under Root.
	// Recognized tokens: {userId}, {projectId}, {workspaceId}, {sessionId}.
	PrefixTemplate string `yaml:"prefix_template"`

	// ReadFileMaxBytes caps READ_FILE content.
	ReadFileMaxBytes int `yaml:"read_file_max_bytes"`

	// OutputMaxBytes caps combined RUN_COMMAND stdout+stderr.
	OutputMaxBytes int `yaml:"output_max_bytes"`

	// RunCommandTimeout is the RUN_COMMAND subprocess ceiling.
	RunCommandTimeout Duration `yaml:"run_command_timeout"`
}

// EventsConfig configures the event stream client.
type EventsConfig struct {
	// Heartbeat is the keepalive interval on streaming responses.
	Heartbeat Duration `yaml:"heartbeat"`

	// ReconnectBackoff is the initial pull-mode reconnect backoff.
	ReconnectBackoff Duration `yaml:"reconnect_backoff"`

	// ReconnectBackoffCap bounds the exponential reconnect backoff.
	ReconnectBackoffCap Duration `yaml:"reconnect_backoff_cap"`

	// IdleWatchdog forces a pull-mode reconnect after this much silence.
	// Zero disables the watchdog.
	IdleWatchdog Duration `yaml:"idle_watchdog"`

	// FilterExpr is an optional expr-lang expression evaluated per event;
	// events for which it returns false are acknowledged but not dispatched.
	FilterExpr string `yaml:"filter_expr"`
}

// SyncConfig configures the object-store mirror.
type SyncConfig struct {
	// Bucket is the object store bucket name.
	Bucket string `yaml:"bucket"`

	// OnStart runs an initial sync when a stream opens.
	OnStart bool `yaml:"on_start"`

	// Interval is the periodic sync cadence while a stream is open.
	Interval Duration `yaml:"interval"`

	// EnableUpload enables the upload pass.
	EnableUpload bool `yaml:"enable_upload"`

	// DownloadConcurrency bounds parallel downloads.
	DownloadConcurrency int `yaml:"download_concurrency"`

	// UploadConcurrency bounds parallel uploads.
	UploadConcurrency int `yaml:"upload_concurrency"`

	// Exclude lists doublestar globs never uploaded nor overwritten locally.
	Exclude []string `yaml:"exclude"`

	// WatchDebounce delays a change-triggered sync after the last FS event.
	// Zero disables the filesystem watcher.
	WatchDebounce Duration `yaml:"watch_debounce"`
}

// StoreConfig configures the metadata store.
type StoreConfig struct {
	// Path is the sqlite database file. Default: <data dir>/workbridge.db.
	Path string `yaml:"path"`
}

// LauncherConfig configures producer/consumer launching.
type LauncherConfig struct {
	// ProducerImage is the container image for the producer driver.
	ProducerImage string `yaml:"producer_image"`

	// ConsumerImage is the default sidecar consumer image.
	ConsumerImage string `yaml:"consumer_image"`

	// ConsumerPort is the port the consumer listens on.
	ConsumerPort int `yaml:"consumer_port"`

	// DockerNetwork is the docker network joined by local containers.
	// Container-name DNS requires a user-defined network.
	DockerNetwork string `yaml:"docker_network"`

	// CloudRunJob is the fully qualified Cloud Run job name for
	// remote-job mode: projects/{p}/locations/{l}/jobs/{j}.
	CloudRunJob string `yaml:"cloud_run_job"`

	// DefaultLease is the lock lease applied when a start request
	// does not specify one.
	DefaultLease Duration `yaml:"default_lease"`

	// WorkspaceTTL is the liveness window for workspace heartbeats.
	WorkspaceTTL Duration `yaml:"workspace_ttl"`
}

// UpstreamConfig locates the workflows service this bridge consumes from.
type UpstreamConfig struct {
	// BaseURL is the upstream workflows service base URL.
	BaseURL string `yaml:"base_url"`

	// Audience is the JWT audience presented to the upstream.
	Audience string `yaml:"audience"`

	// Token is the bearer token for upstream calls. Usually injected via
	// UPSTREAM_TOKEN rather than the config file.
	Token string `yaml:"token"`
}

// AuthConfig configures inbound request authentication.
type AuthConfig struct {
	// JWTSecret enables HS256 bearer validation when non-empty.
	JWTSecret string `yaml:"jwt_secret"`

	// Audience is the expected audience claim on inbound tokens.
	Audience string `yaml:"audience"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter selects the span exporter: "", "stdout", "otlp-http", "otlp-grpc".
	// Empty disables tracing.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(30 * time.Second),
			StreamRateLimit: 0,
			StreamRateBurst: 5,
		},
		Work: WorkConfig{
			Root:              "/mnt/work",
			PrefixTemplate:    "{projectId}/{workspaceId}",
			ReadFileMaxBytes:  200_000,
			OutputMaxBytes:    50_000,
			RunCommandTimeout: Duration(120 * time.Second),
		},
		Events: EventsConfig{
			Heartbeat:           Duration(15 * time.Second),
			ReconnectBackoff:    Duration(time.Second),
			ReconnectBackoffCap: Duration(30 * time.Second),
			IdleWatchdog:        0,
		},
		Sync: SyncConfig{
			OnStart:             true,
			Interval:            Duration(15 * time.Second),
			EnableUpload:        true,
			DownloadConcurrency: 4,
			UploadConcurrency:   4,
			WatchDebounce:       0,
		},
		Launcher: LauncherConfig{
			ConsumerPort: 8081,
			DefaultLease: Duration(5 * time.Minute),
			WorkspaceTTL: Duration(5 * time.Minute),
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds a Config from defaults, the YAML file at path (if non-empty
// and present), then environment overrides. A missing file at an explicit
// path is an error; the default path is allowed to be absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = defaultConfigPath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// Default path absent: run on defaults and env alone.
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(dataDir(), "workbridge.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible configuration values.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Work.Root) {
		return fmt.Errorf("work root must be absolute, got %q", c.Work.Root)
	}
	if c.Work.ReadFileMaxBytes <= 0 {
		return fmt.Errorf("read_file_max_bytes must be positive, got %d", c.Work.ReadFileMaxBytes)
	}
	if c.Work.OutputMaxBytes <= 0 {
		return fmt.Errorf("output_max_bytes must be positive, got %d", c.Work.OutputMaxBytes)
	}
	if c.Work.RunCommandTimeout <= 0 {
		return fmt.Errorf("run_command_timeout must be positive, got %v", c.Work.RunCommandTimeout)
	}
	if c.Events.Heartbeat <= 0 {
		return fmt.Errorf("events heartbeat must be positive, got %v", c.Events.Heartbeat)
	}
	if c.Events.ReconnectBackoff <= 0 || c.Events.ReconnectBackoffCap < c.Events.ReconnectBackoff {
		return fmt.Errorf("reconnect backoff %v must be positive and <= cap %v",
			c.Events.ReconnectBackoff, c.Events.ReconnectBackoffCap)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %v", c.Sync.Interval)
	}
	if c.Sync.DownloadConcurrency <= 0 || c.Sync.UploadConcurrency <= 0 {
		return fmt.Errorf("sync concurrency must be positive")
	}
	if c.Launcher.DefaultLease <= 0 || c.Launcher.DefaultLease.Std() > MaxLease {
		return fmt.Errorf("default lease %v must be in (0, %v]", c.Launcher.DefaultLease, MaxLease)
	}
	if c.Launcher.WorkspaceTTL <= 0 {
		return fmt.Errorf("workspace ttl must be positive, got %v", c.Launcher.WorkspaceTTL)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", c.Server.ShutdownTimeout)
	}
	return nil
}

// defaultConfigPath returns ~/.workbridge/workbridge.yaml, or "" when the
// home directory cannot be determined.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".workbridge", "workbridge.yaml")
}

// dataDir returns the directory for daemon-local state.
func dataDir() string {
	if dir := os.Getenv("WORKBRIDGE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".workbridge")
}
