package progress

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// FieldExtract is the log field carrying the extraction id. Entries with it
// are forwarded by LogHook.
const FieldExtract = "extract"

// LogHook copies log entries tagged with FieldExtract into the extraction's
// log list so that remote watchers see them.
type LogHook struct {
	ch      Channel
	timeout time.Duration
}

// NewLogHook returns a hook writing to ch.
func NewLogHook(ch Channel) *LogHook {
	return &LogHook{ch: ch, timeout: 2 * time.Second}
}

func (h *LogHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
}

func (h *LogHook) Fire(e *logrus.Entry) error {
	id, ok := e.Data[FieldExtract].(string)
	if !ok || id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	// the hook must never fail the log call
	_ = h.ch.AppendLog(ctx, id, e.Time, e.Level.String()+": "+e.Message)
	return nil
}
