package progress

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Watch delivers every command pushed for id to handle until ctx is done.
// Read errors are logged and retried after poll.
func Watch(ctx context.Context, ch Channel, id string, poll time.Duration, handle func(Command) error) {
	if poll <= 0 {
		poll = time.Second
	}
	for ctx.Err() == nil {
		cmd, ok, err := ch.PopControl(ctx, id, poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.Warnf("control channel read failed | extract=%s err=%v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}
		if !ok {
			continue
		}
		if err := handle(cmd); err != nil {
			logrus.Warnf("control command %s rejected | extract=%s err=%v", cmd, id, err)
		}
	}
}
