package hooks

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/kballard/go-shellquote"
)

// ShellHook runs a script path with no arguments; the event's fields are
// passed as environment variables, one per field plus RTMPJOIN_EVENT_ARGS
// holding all fields as a single shell-quoted string.
type ShellHook struct {
	id         string
	scriptPath string
}

// NewShellHook builds a ShellHook invoking scriptPath via /bin/sh.
func NewShellHook(id, scriptPath string) *ShellHook {
	return &ShellHook{id: id, scriptPath: scriptPath}
}

// Execute runs the script, quoting event fields into RTMPJOIN_EVENT_ARGS so
// scripts that parse a single argument string don't need to worry about
// embedded spaces or special characters.
func (h *ShellHook) Execute(ctx context.Context, event Event) error {
	args := []string{
		"type", string(event.Type),
		"conn_id", event.ConnID,
		"stream_key", event.StreamKey,
	}
	for k, v := range event.Data {
		args = append(args, k, v)
	}
	quoted := shellquote.Join(args...)

	cmd := exec.CommandContext(ctx, "/bin/sh", h.scriptPath)
	cmd.Env = append(cmd.Env,
		"RTMPJOIN_EVENT_TYPE="+string(event.Type),
		"RTMPJOIN_EVENT_CONN_ID="+event.ConnID,
		"RTMPJOIN_EVENT_STREAM_KEY="+event.StreamKey,
		"RTMPJOIN_EVENT_ARGS="+quoted,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell hook %s: %w", h.id, err)
	}
	return nil
}

// ID implements Hook.
func (h *ShellHook) ID() string { return h.id }
