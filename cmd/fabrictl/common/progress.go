package common

import (
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// ProgressBar returns a progress container and a bar counting total
// iterations.
func ProgressBar(w io.Writer, prefix string, total int64) (*mpb.Progress, *mpb.Bar) {
	p := mpb.New(
		mpb.WithOutput(w),
		mpb.WithWidth(80),
		mpb.WithRefreshRate(180*time.Millisecond),
	)

	bar := p.AddBar(total,
		mpb.BarFillerClearOnComplete(),
		mpb.PrependDecorators(
			decor.OnComplete(decor.Name(prefix), prefix+" done"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.CountersNoUnit("%d / %d"), ""),
		),
	)
	return p, bar
}
