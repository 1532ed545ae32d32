package main

import (
	"github.com/pterm/pterm"
)

type progressBar interface {
	Increment()
	Stop()
}

// progressFactory starts a bar for total units of work.
type progressFactory func(title string, total int) progressBar

type silentBar struct{}

func (silentBar) Increment() {}
func (silentBar) Stop()      {}

func noProgress(string, int) progressBar { return silentBar{} }

type ptermBar struct {
	p *pterm.ProgressbarPrinter
}

func (b ptermBar) Increment() { b.p.Increment() }

func (b ptermBar) Stop() {
	if _, err := b.p.Stop(); err != nil {
		logger.Debugw("failed to stop progress bar", "error", err)
	}
}

// terminalProgress draws pterm progress bars that clear when finished.
func terminalProgress(title string, total int) progressBar {
	p, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		WithRemoveWhenDone(true).
		Start()
	if err != nil {
		logger.Debugw("progress bar unavailable", "error", err)
		return silentBar{}
	}
	return ptermBar{p: p}
}
