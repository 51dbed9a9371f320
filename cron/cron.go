// Package cron runs iterators on calendar schedules, for work tied to
// wall-clock times rather than the fixed pace of a service loop.
package cron

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/infraguys/gcl-looper/loop"
)

// Job binds an iterator to a 5-field cron expression (e.g. "*/5 * * * *").
type Job struct {
	// Name is a unique identifier, used for logging and observer reports.
	Name string

	// Schedule is a standard 5-field cron expression.
	Schedule string

	// Iterator runs once per matching tick. The Pass it receives counts
	// this job's completed runs.
	Iterator loop.Iterator
}

// ValidSpec checks a 5-field cron expression without scheduling anything.
func ValidSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("cron: invalid schedule %q: %w", spec, err)
	}
	return nil
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
