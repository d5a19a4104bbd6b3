// Package config defines the server's runtime configuration, loadable from
// an optional YAML file and overridable by CLI flags (see cmd/rtmp-server,
// which parses flags with github.com/alecthomas/kong and layers them over a
// config.Config loaded here).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// BlobSidecar configures the optional Azure Blob Storage upload sidecar.
type BlobSidecar struct {
	ContainerURL       string `yaml:"container_url"`
	WatchDir           string `yaml:"watch_dir"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// Config is the complete set of server knobs. Load starts from Default()
// and lets the YAML file override it.
type Config struct {
	ListenAddr            string      `yaml:"listen_addr"`
	ConnectionCap         int         `yaml:"connection_cap"`
	MediaChannelCapacity  int         `yaml:"media_channel_capacity"`
	AckAfterBytes         uint32      `yaml:"ack_after_bytes"`
	LogLevel              string      `yaml:"log_level"`
	LogFile               string      `yaml:"log_file"`
	RecordDir             string      `yaml:"record_dir"`
	MetricsAddr           string      `yaml:"metrics_addr"`
	RateLimitPerSecond    float64     `yaml:"rate_limit_per_second"`
	RateLimitBurst        int         `yaml:"rate_limit_burst"`
	WebSocketAddr         string      `yaml:"websocket_addr"`
	HookScripts           []string    `yaml:"hook_scripts"`
	HookWebhooks          []string    `yaml:"hook_webhooks"`
	HookTimeoutSeconds    int         `yaml:"hook_timeout_seconds"`
	HookConcurrency       int         `yaml:"hook_concurrency"`
	HookScriptDir         string      `yaml:"hook_script_dir"`
	BlobSidecar           BlobSidecar `yaml:"blob_sidecar"`
}

// Default returns a Config populated with the server's documented defaults.
func Default() Config {
	return Config{
		ListenAddr:           "0.0.0.0:1935",
		ConnectionCap:        10,
		MediaChannelCapacity: 100,
		// 1,048,576 is not derived from the RTMP spec; the reference
		// implementation this was distilled from used 128 and recorded
		// uncertainty about whether that mirrored real client behavior.
		// This default keeps the larger, less chatty value but exposes it
		// here so operators can tune ack cadence without a rebuild.
		AckAfterBytes:      1_048_576,
		LogLevel:           "info",
		RateLimitPerSecond: 50,
		RateLimitBurst:     20,
		HookTimeoutSeconds: 30,
		HookConcurrency:    10,
	}
}

// Load reads a YAML config file and applies it on top of Default(). An empty
// path returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
