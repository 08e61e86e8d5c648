// Package progress publishes extraction progress, status and log lines to a
// shared key-value service and carries control commands (pause, resume,
// stop) back to the running extraction.
//
// Keys, per extraction id:
//
//	extract:progress:<id>   percentage 0..100
//	extract:status:<id>     Running | Paused | Stopped | Complete | Failed
//	extract:control:<id>    FIFO list of pending commands
//	extract:logs:<id>       log lines ordered by time
//	extract:monitor:finished  ids of extractions that reached a terminal state
package progress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"etl-extract/internal/config"
)

// Command is a control request sent to a running extraction.
type Command string

const (
	CmdPause  Command = "pause"
	CmdResume Command = "resume"
	CmdStop   Command = "stop"
)

// ParseCommand accepts a command name in any case.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CmdPause, CmdResume, CmdStop:
		return c, nil
	default:
		return "", fmt.Errorf("unknown control command %q", s)
	}
}

// normalizeCommand canonicalises a popped command. Unknown text is passed
// through so that the receiver can reject it.
func normalizeCommand(raw string) Command {
	if c, err := ParseCommand(raw); err == nil {
		return c
	}
	return Command(raw)
}

// Published status values.
const (
	StatusRunning  = "Running"
	StatusPaused   = "Paused"
	StatusStopped  = "Stopped"
	StatusComplete = "Complete"
	StatusFailed   = "Failed"
)

// FinishedKey lists every extraction that reached a terminal state.
const FinishedKey = "extract:monitor:finished"

func ProgressKey(id string) string { return "extract:progress:" + id }
func StatusKey(id string) string   { return "extract:status:" + id }
func ControlKey(id string) string  { return "extract:control:" + id }
func LogsKey(id string) string     { return "extract:logs:" + id }

// Channel is the shared store progress and control travel through.
type Channel interface {
	SetProgress(ctx context.Context, id string, pct int64) error
	IncrProgress(ctx context.Context, id string, by int64) (int64, error)
	Progress(ctx context.Context, id string) (int64, error)
	SetStatus(ctx context.Context, id, status string) error
	Status(ctx context.Context, id string) (string, error)
	PushControl(ctx context.Context, id string, cmd Command) error
	// PopControl waits up to timeout for the oldest pending command.
	PopControl(ctx context.Context, id string, timeout time.Duration) (Command, bool, error)
	AppendLog(ctx context.Context, id string, at time.Time, line string) error
	Logs(ctx context.Context, id string) ([]string, error)
	MarkFinished(ctx context.Context, id string) error
	Finished(ctx context.Context) ([]string, error)
	Close() error
}

// fixed-width so that members sort by time
const logStamp = "2006-01-02T15:04:05.000000Z"

// logMember renders a log line so that equal lines at different times stay
// distinct members.
func logMember(at time.Time, line string) string {
	return at.UTC().Format(logStamp) + " " + line
}

// Open builds the channel a progress configuration describes.
func Open(ctx context.Context, cfg config.ProgressConfig) (Channel, error) {
	switch cfg.Type {
	case config.ProgressRedis:
		return DialRedis(ctx, cfg.Addr, cfg.DB, cfg.TTL())
	case config.ProgressMemory, "":
		return NewMemoryChannel(cfg.TTL()), nil
	default:
		return nil, fmt.Errorf("unsupported progress type: %s", cfg.Type)
	}
}
