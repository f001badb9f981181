// Package clock provides a small seam over time.Now so that rotation and
// scheduling logic can be tested without real sleeps.
package clock

import "time"

// Clock abstracts the passage of time.
type Clock interface {
	Now() time.Time
}

// System is the production Clock, returning real wall-clock time.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Default is the process-wide clock used where no Clock is injected.
var Default Clock = System{}

// Now returns Default.Now().
func Now() time.Time { return Default.Now() }
