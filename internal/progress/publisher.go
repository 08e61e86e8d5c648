package progress

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Publisher writes one extraction's progress and status to a Channel.
// Progress updates are rate limited; status changes and the final 100% are
// always written. Failures are logged and otherwise ignored: progress is
// advisory and never fails an extraction. A nil Channel makes every method a
// no-op.
type Publisher struct {
	ch      Channel
	id      string
	limiter *rate.Limiter
}

// NewPublisher limits progress writes to perSecond (<= 0: unlimited).
func NewPublisher(ch Channel, id string, perSecond float64) *Publisher {
	lim := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Publisher{ch: ch, id: id, limiter: lim}
}

// Progress publishes pct, clamped to 0..100.
func (p *Publisher) Progress(ctx context.Context, pct int64) {
	if p == nil || p.ch == nil {
		return
	}
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	if pct < 100 && !p.limiter.Allow() {
		return
	}
	if err := p.ch.SetProgress(ctx, p.id, pct); err != nil {
		logrus.Debugf("progress update failed | extract=%s err=%v", p.id, err)
	}
}

// Status publishes a status value.
func (p *Publisher) Status(ctx context.Context, status string) {
	if p == nil || p.ch == nil {
		return
	}
	if err := p.ch.SetStatus(ctx, p.id, status); err != nil {
		logrus.Warnf("status update failed | extract=%s status=%s err=%v", p.id, status, err)
	}
}

// Finish publishes a terminal status and adds the extraction to the
// finished set.
func (p *Publisher) Finish(ctx context.Context, status string) {
	if p == nil || p.ch == nil {
		return
	}
	p.Status(ctx, status)
	if err := p.ch.MarkFinished(ctx, p.id); err != nil {
		logrus.Warnf("mark finished failed | extract=%s err=%v", p.id, err)
	}
}
