package main

import (
	"fmt"
	"io"

	"cryptowipe/internal/wipe"
)

// progressPrinter prints one line per stage change and per 5% of overall
// progress for each device. App serializes calls to handle.
type progressPrinter struct {
	out  io.Writer
	last map[string]printed
}

type printed struct {
	stage    wipe.Stage
	fraction float64
}

const progressStep = 0.05

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, last: map[string]printed{}}
}

func (p *progressPrinter) handle(ev wipe.Event) {
	if ev.IsTerminal() {
		if ev.Kind == wipe.EventError {
			fmt.Fprintf(p.out, "[%s] failed: %s\n", ev.Device, ev.Error)
		} else {
			fmt.Fprintf(p.out, "[%s] %3.0f%% %s\n", ev.Device, ev.Fraction*100, ev.Status)
		}
		delete(p.last, ev.Device)
		return
	}

	prev, seen := p.last[ev.Device]
	if seen && prev.stage == ev.Stage && ev.Fraction-prev.fraction < progressStep {
		return
	}
	p.last[ev.Device] = printed{stage: ev.Stage, fraction: ev.Fraction}
	fmt.Fprintf(p.out, "[%s] %3.0f%% %-16s %s\n", ev.Device, ev.Fraction*100, ev.Stage, ev.Status)
}
