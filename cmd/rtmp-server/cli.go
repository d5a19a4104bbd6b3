package main

import (
	"github.com/alecthomas/kong"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli is the flag surface, parsed with github.com/alecthomas/kong and
// layered on top of a config.Config loaded from -config (see main.go).
// A zero-valued field means "use whatever the config file/defaults say" -
// applyOverrides only copies over fields the operator actually set.
var cli struct {
	Version kong.VersionFlag `help:"Print version and exit." short:"v"`
	Config  string           `help:"Path to a YAML config file." short:"c" type:"path"`

	Listen      string  `help:"TCP listen address." placeholder:"0.0.0.0:1935"`
	LogLevel    string  `help:"Log level: debug|info|warn|error." placeholder:"info"`
	LogFile     string  `help:"Rotate logs to this file instead of stderr."`
	RecordDir   string  `help:"Also write the mixed output to a rotating local FLV file in this directory."`
	MetricsAddr string  `help:"Serve Prometheus metrics on this address (disabled if empty)."`
	WebSocket   string  `help:"Broadcast the mixed output over WebSocket on this address (disabled if empty)." name:"websocket-addr"`

	ConnectionCap      int     `help:"Maximum concurrent connections." placeholder:"10"`
	MediaChannelCap    int     `help:"Capacity of the bounded audio/video channel feeding the mixer." name:"media-channel-capacity" placeholder:"100"`
	AckAfterBytes      uint32  `help:"Bytes received between RTMP acknowledgements." placeholder:"1048576"`
	RateLimitPerSecond float64 `help:"Accepted connections per second." placeholder:"50"`
	RateLimitBurst     int     `help:"Burst size for the connection rate limiter." placeholder:"20"`

	HookScript      []string `help:"Hook script, format event_type=script_path (repeatable)." name:"hook-script"`
	HookWebhook     []string `help:"Hook webhook, format event_type=url (repeatable)." name:"hook-webhook"`
	HookScriptDir   string   `help:"Directory of *.sh scripts watched for hook events without a restart."`
	HookTimeout     string   `help:"Timeout applied to each hook execution." placeholder:"30s"`
	HookConcurrency int      `help:"Maximum concurrent hook executions." placeholder:"10"`

	BlobContainerURL string `help:"Azure Blob container URL segments are uploaded to (disabled if empty)."`
	BlobWatchDir     string `help:"Directory watched for completed recordings to upload."`
	BlobManagedID    bool   `help:"Use Azure managed identity credentials instead of the default credential chain." name:"blob-managed-identity"`
}
