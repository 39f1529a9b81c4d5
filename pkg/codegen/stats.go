package codegen

import (
	"fmt"
	"time"

	"github.com/nikandfor/tlog"
)

// Stats counts what a pass run emitted. One Stats per function; Merge
// folds function runs into a module total.
type Stats struct {
	Increfs         int
	Decrefs         int
	NullChecks      int
	BreakerBlocks   int
	Fixups          int
	YieldRewrites   int
	MultiCountSites int

	SolveTime  time.Duration
	MutateTime time.Duration
}

// NewStats creates a zeroed Stats
func NewStats() *Stats {
	return &Stats{}
}

// Merge adds o's counters and timings into s
func (s *Stats) Merge(o *Stats) {
	s.Increfs += o.Increfs
	s.Decrefs += o.Decrefs
	s.NullChecks += o.NullChecks
	s.BreakerBlocks += o.BreakerBlocks
	s.Fixups += o.Fixups
	s.YieldRewrites += o.YieldRewrites
	s.MultiCountSites += o.MultiCountSites
	s.SolveTime += o.SolveTime
	s.MutateTime += o.MutateTime
}

// String renders a one-line summary suitable for a log message
func (s *Stats) String() string {
	return fmt.Sprintf("increfs=%d decrefs=%d nullchecks=%d breakers=%d fixups=%d yields=%d",
		s.Increfs, s.Decrefs, s.NullChecks, s.BreakerBlocks, s.Fixups, s.YieldRewrites)
}

// MetricsSink receives per-function pass results. Implementations must be
// safe for concurrent use if functions are processed in parallel.
type MetricsSink interface {
	Observe(fn string, s *Stats)
}

// LogSink reports observations to a tlog logger
type LogSink struct {
	Logger *tlog.Logger
}

// Observe logs the function's counters and timings
func (ls *LogSink) Observe(fn string, s *Stats) {
	l := ls.Logger
	if l == nil {
		l = tlog.DefaultLogger
	}
	l.Printw("refcount pass", "func", fn, "stats", s.String(),
		"solve", s.SolveTime, "mutate", s.MutateTime)
}
