package wipe

// progressChannel delivers session events without ever blocking the worker.
// One buffer slot is reserved for the terminal event, so the certificate or
// error always arrives even when nobody reads progress. Only the session
// worker writes to it.
type progressChannel struct {
	ch      chan Event
	last    float64
	dropped int
	closed  bool
}

func newProgressChannel(size int) *progressChannel {
	if size < 2 {
		size = 2
	}
	return &progressChannel{ch: make(chan Event, size)}
}

func (p *progressChannel) events() <-chan Event {
	return p.ch
}

// publish sends a progress event, dropping it when the consumer lags. The
// fraction is raised to the last published value so it never goes backwards.
func (p *progressChannel) publish(ev Event) bool {
	if p.closed {
		return false
	}
	ev.Kind = EventProgress
	ev.Fraction = p.monotonic(ev.Fraction)

	if len(p.ch) >= cap(p.ch)-1 {
		p.dropped++
		return false
	}
	select {
	case p.ch <- ev:
		return true
	default:
		p.dropped++
		return false
	}
}

// finish delivers the terminal event and closes the channel. Later calls are no-ops.
func (p *progressChannel) finish(ev Event) {
	if p.closed {
		return
	}
	ev.Fraction = p.monotonic(ev.Fraction)
	p.ch <- ev // the reserved slot guarantees this does not block
	p.closed = true
	close(p.ch)
}

func (p *progressChannel) monotonic(f float64) float64 {
	f = clamp01(f)
	if f < p.last {
		return p.last
	}
	p.last = f
	return f
}
