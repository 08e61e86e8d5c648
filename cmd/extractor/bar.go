package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"go.uber.org/atomic"

	"etl-extract/internal/extractor"
)

// rowBar renders finished sub-queries and written rows on the terminal.
// Log output is routed through the bar container while it is shown.
type rowBar struct {
	progress *mpb.Progress
	bar      *mpb.Bar
	rows     atomic.Int64
}

func newRowBar(ctx context.Context, name string) *rowBar {
	b := &rowBar{progress: mpb.NewWithContext(ctx, mpb.WithWidth(40))}
	b.bar = b.progress.AddBar(0,
		mpb.PrependDecorators(
			decor.Name(name, decor.WCSyncSpaceR),
			decor.CountersNoUnit("%d / %d sub-queries", decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Any(func(decor.Statistics) string {
				return fmt.Sprintf("%d rows", b.rows.Load())
			}, decor.WCSyncSpace),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace),
		),
	)
	logrus.SetOutput(b.progress)
	return b
}

func (b *rowBar) hooks() extractor.Hooks {
	return extractor.Hooks{
		OnChunk: func(ev extractor.ChunkEvent) {
			b.rows.Store(ev.Total)
		},
		OnSubQuery: func(done, total int) {
			b.bar.SetTotal(int64(total), false)
			b.bar.SetCurrent(int64(done))
		},
	}
}

func (b *rowBar) finish(rep extractor.Report) {
	if b == nil {
		return
	}
	b.rows.Store(rep.TotalRows)
	if rep.State == extractor.StateCompleted && rep.SubQueries > 0 {
		b.bar.SetCurrent(int64(rep.SubQueries))
		b.bar.SetTotal(int64(rep.SubQueries), true)
	} else {
		b.bar.Abort(false)
	}
	b.progress.Wait()
	logrus.SetOutput(os.Stderr)
}
