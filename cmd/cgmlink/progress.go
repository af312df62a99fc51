package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a countdown progress line while a timed operation
// runs. Single-use: Start at most once, Stop exactly once.
type ProgressPrinter struct {
	prefix     string
	phase      atomic.Value        // current phase name
	stopPhases map[string]struct{} // phases that shut the printer down
	deadline   time.Time
	duration   time.Duration
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
}

// NewCountdownProgressPrinter creates a printer counting down from duration.
// Setting one of stopPhases via Callback stops the printer automatically.
func NewCountdownProgressPrinter(prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: stopSet,
		duration:   duration,
	}
	p.phase.Store(phase)
	return p
}

// Start begins the progress display in a background goroutine.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})
	p.deadline = time.Now().Add(p.duration)
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				remaining := time.Until(p.deadline)
				if remaining < 0 {
					remaining = 0
				}
				// round to the nearest second
				fmt.Printf("\r%s (%s %ds)   ", p.prefix, phase, int(remaining.Seconds()+0.5))
			}
		}
	}()
}

// Callback returns a phase setter safe to call from any goroutine. Setting a
// stop phase stops the printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop halts the display and clears the progress line. Safe to call more
// than once.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}
	ticker.Stop()
	close(p.stopChan)
	<-p.done
	fmt.Print(clearLineSequence)
}
