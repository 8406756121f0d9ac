package forge

import (
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// stageProgress shows how far the pipeline has got. It is a no-op when
// stderr is not a terminal.
type stageProgress struct {
	bar *progressbar.ProgressBar
}

func newStageProgress(total int, enabled bool) *stageProgress {
	if !enabled || !term.IsTerminal(int(os.Stderr.Fd())) {
		return &stageProgress{}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("pipeline"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetWidth(24),
		progressbar.OptionClearOnFinish(),
	)
	return &stageProgress{bar: bar}
}

func (p *stageProgress) Start(stage string) {
	if p.bar == nil {
		return
	}
	p.bar.Describe(stage)
}

func (p *stageProgress) Done() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Add(1)
}

func (p *stageProgress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
