package raffle

// Clock tracks when the current round started.
type Clock struct {
	interval uint64
	start    uint64
}

// NewClock starts a clock at start with the given interval in seconds.
func NewClock(interval, start uint64) *Clock {
	return &Clock{interval: interval, start: start}
}

// HasIntervalElapsed reports whether now is at least interval seconds past
// the start. A now earlier than the start never counts as elapsed.
func (c *Clock) HasIntervalElapsed(now uint64) bool {
	if now < c.start {
		return false
	}
	return now-c.start >= c.interval
}

// Restart begins a new round at now.
func (c *Clock) Restart(now uint64) { c.start = now }

func (c *Clock) Start() uint64 { return c.start }
func (c *Clock) Interval() uint64 { return c.interval }
