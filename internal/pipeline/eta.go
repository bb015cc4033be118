package pipeline

import (
	"math"
	"time"
)

// etaTracker estimates remaining time from the running mean of every strip
// completed so far in the request. It does not reset between pages.
type etaTracker struct {
	total   time.Duration
	done    int
	workers int
}

func (e *etaTracker) observe(d time.Duration) {
	e.total += d
	e.done++
}

// seconds returns the estimated seconds left for remaining strips.
func (e *etaTracker) seconds(remaining int) int {
	if e.done == 0 || remaining <= 0 {
		return 0
	}
	mean := e.total.Seconds() / float64(e.done)
	workers := max(e.workers, 1)
	return int(math.Round(mean * float64(remaining) / float64(workers)))
}
