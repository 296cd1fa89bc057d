package trigger

import (
	"math"
	"time"
)

// LandingLead is how long before the landing time a run should start:
// mean + ceil(stdev / 2) of the previous runtimes, in seconds. The sample
// standard deviation is used; fewer than two samples give zero spread.
func LandingLead(previousRuntimes []float64) time.Duration {
	n := len(previousRuntimes)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, r := range previousRuntimes {
		sum += r
	}
	mean := sum / float64(n)

	var stdev float64
	if n > 1 {
		var sq float64
		for _, r := range previousRuntimes {
			sq += (r - mean) * (r - mean)
		}
		stdev = math.Sqrt(sq / float64(n-1))
	}
	lead := mean + math.Ceil(stdev/2)
	return time.Duration(lead * float64(time.Second))
}
