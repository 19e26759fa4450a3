package typing

import "time"

// DefaultWindow is how long one typing event keeps the indicator on.
const DefaultWindow = 2 * time.Second

// Lease is a self-expiring typing signal. Nothing ever clears it explicitly;
// it lapses unless renewed.
type Lease struct {
	Window time.Duration
	until  time.Time
}

func NewLease(window time.Duration) *Lease {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Lease{Window: window}
}

func (l *Lease) Renew(now time.Time) {
	l.until = now.Add(l.Window)
}

// Active is true strictly before the lease end.
func (l *Lease) Active(now time.Time) bool {
	return now.Before(l.until)
}

func (l *Lease) Reset() {
	l.until = time.Time{}
}

// Indicator wraps a Lease and remembers the last published value so callers
// only hear about edges.
type Indicator struct {
	lease *Lease
	shown bool
}

func NewIndicator(window time.Duration) *Indicator {
	return &Indicator{lease: NewLease(window)}
}

// Renew extends the lease and reports whether the visible state flipped.
func (i *Indicator) Renew(now time.Time) (bool, bool) {
	i.lease.Renew(now)
	return i.Eval(now)
}

// Eval re-evaluates the lease at now. It returns the current value and
// whether it differs from the last one returned.
func (i *Indicator) Eval(now time.Time) (active, changed bool) {
	active = i.lease.Active(now)
	changed = active != i.shown
	i.shown = active
	return active, changed
}

// Reset turns the indicator off and reports whether that was a change.
func (i *Indicator) Reset() bool {
	i.lease.Reset()
	changed := i.shown
	i.shown = false
	return changed
}

// Shown is the value last published by Renew or Eval.
func (i *Indicator) Shown() bool { return i.shown }

// Active reads the lease at now without publishing anything.
func (i *Indicator) Active(now time.Time) bool { return i.lease.Active(now) }
