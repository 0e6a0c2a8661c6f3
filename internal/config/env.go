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

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overrides cfg from the recognized environment variables.
// Malformed values are ignored in favor of the current value.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "LISTEN_ADDR")
	setDurationMs(&cfg.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT_MS")

	setString(&cfg.Work.Root, "WORK_ROOT")
	setString(&cfg.Work.PrefixTemplate, "WORK_PREFIX_TEMPLATE")
	setInt(&cfg.Work.ReadFileMaxBytes, "READ_FILE_MAX_BYTES")
	setInt(&cfg.Work.OutputMaxBytes, "OUTPUT_MAX_BYTES")
	setDurationSec(&cfg.Work.RunCommandTimeout, "RUN_COMMAND_TIMEOUT_SECONDS")

	setDurationMs(&cfg.Events.Heartbeat, "EVENTS_HEARTBEAT_MS")
	setDurationMs(&cfg.Events.ReconnectBackoff, "RECONNECT_BACKOFF_MS")
	setDurationMs(&cfg.Events.IdleWatchdog, "IDLE_WATCHDOG_MS")
	setString(&cfg.Events.FilterExpr, "EVENTS_FILTER_EXPR")

	setString(&cfg.Sync.Bucket, "GCS_BUCKET")
	setBool(&cfg.Sync.OnStart, "SYNC_ON_START")
	setDurationMs(&cfg.Sync.Interval, "SYNC_INTERVAL_MS")
	setBool(&cfg.Sync.EnableUpload, "GCS_ENABLE_UPLOAD")
	setInt(&cfg.Sync.DownloadConcurrency, "GCS_DOWNLOAD_CONCURRENCY")
	setInt(&cfg.Sync.UploadConcurrency, "GCS_UPLOAD_CONCURRENCY")
	setDurationMs(&cfg.Sync.WatchDebounce, "SYNC_WATCH_DEBOUNCE_MS")
	if v := os.Getenv("SYNC_EXCLUDE"); v != "" {
		var globs []string
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				globs = append(globs, g)
			}
		}
		cfg.Sync.Exclude = globs
	}

	setString(&cfg.Store.Path, "STORE_PATH")

	setString(&cfg.Launcher.ProducerImage, "PRODUCER_IMAGE")
	setString(&cfg.Launcher.ConsumerImage, "CONSUMER_IMAGE")
	setInt(&cfg.Launcher.ConsumerPort, "CONSUMER_PORT")
	setString(&cfg.Launcher.DockerNetwork, "DOCKER_NETWORK")
	setString(&cfg.Launcher.CloudRunJob, "CLOUD_RUN_JOB")
	setDurationMs(&cfg.Launcher.DefaultLease, "DEFAULT_LEASE_MS")
	setDurationMs(&cfg.Launcher.WorkspaceTTL, "WORKSPACE_TTL_MS")

	setString(&cfg.Upstream.BaseURL, "UPSTREAM_BASE_URL")
	setString(&cfg.Upstream.Audience, "UPSTREAM_AUDIENCE")
	setString(&cfg.Upstream.Token, "UPSTREAM_TOKEN")

	setString(&cfg.Auth.JWTSecret, "AUTH_JWT_SECRET")
	setString(&cfg.Auth.Audience, "AUTH_AUDIENCE")

	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")

	setString(&cfg.Tracing.Exporter, "OTEL_EXPORTER")
	setString(&cfg.Tracing.Endpoint, "OTEL_ENDPOINT")
	setString(&cfg.Tracing.ServiceName, "OTEL_SERVICE_NAME")
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setBool accepts 1/0, true/false, on/off.
func setBool(dst *bool, name string) {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "on", "yes":
		*dst = true
	case "0", "false", "off", "no":
		*dst = false
	}
}

func setDurationMs(dst *Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = Duration(time.Duration(n) * time.Millisecond)
		}
	}
}

func setDurationSec(dst *Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = Duration(time.Duration(n) * time.Second)
		}
	}
}
