// Package stopwatch times named phases in wall-clock and process CPU time.
package stopwatch

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// #region watch
type watch struct {
	running             bool
	startWall           time.Time
	startCPU            time.Duration
	wall, cpu           time.Duration
	wallTotal, cpuTotal time.Duration
}

// Set is a group of named phase timers.
type Set struct {
	watches map[string]*watch
	order   []string
	now     func() time.Time
	cpu     func() time.Duration
}

// New returns a Set timing the given phases, in that display order.
func New(phases ...string) *Set {
	s := &Set{watches: make(map[string]*watch), now: time.Now, cpu: processCPU}
	for _, p := range phases {
		s.add(p)
	}
	return s
}

func (s *Set) add(name string) *watch {
	w, ok := s.watches[name]
	if !ok {
		w = &watch{}
		s.watches[name] = w
		s.order = append(s.order, name)
	}
	return w
}

// Phases returns the timer names in display order.
func (s *Set) Phases() []string {
	return append([]string(nil), s.order...)
}

// Start starts the named timer, registering it if new.
func (s *Set) Start(name string) {
	w := s.add(name)
	w.running = true
	w.startWall = s.now()
	w.startCPU = s.cpu()
}

// Stop stops the named timer and adds the elapsed time to its totals.
// Stopping a timer that is not running is a no-op.
func (s *Set) Stop(name string) {
	w, ok := s.watches[name]
	if !ok || !w.running {
		return
	}
	w.running = false
	w.wall = s.now().Sub(w.startWall)
	w.cpu = s.cpu() - w.startCPU
	w.wallTotal += w.wall
	w.cpuTotal += w.cpu
}

// Reset clears the last-lap durations, keeping the totals. Call it at the
// start of each iteration so skipped phases report zero.
func (s *Set) Reset() {
	for _, w := range s.watches {
		w.wall, w.cpu = 0, 0
	}
}
// #endregion watch

// #region reading
// Reading is the state of one timer.
type Reading struct {
	Wall, CPU           time.Duration
	WallTotal, CPUTotal time.Duration
}

// Read returns the named timer's last lap and totals.
func (s *Set) Read(name string) Reading {
	w, ok := s.watches[name]
	if !ok {
		return Reading{}
	}
	return Reading{Wall: w.wall, CPU: w.cpu, WallTotal: w.wallTotal, CPUTotal: w.cpuTotal}
}

// Columns returns the log columns of every timer: {phase}_time,
// {phase}_time_cpu, {phase}_time_sum and {phase}_time_sum_cpu, in seconds.
func (s *Set) Columns() (names []string, values []float64) {
	for _, p := range s.order {
		r := s.Read(p)
		names = append(names,
			fmt.Sprintf("%s_time", p), fmt.Sprintf("%s_time_cpu", p),
			fmt.Sprintf("%s_time_sum", p), fmt.Sprintf("%s_time_sum_cpu", p))
		values = append(values,
			r.Wall.Seconds(), r.CPU.Seconds(), r.WallTotal.Seconds(), r.CPUTotal.Seconds())
	}
	return names, values
}
// #endregion reading

// #region cpu
// processCPU returns the user plus system CPU time consumed by the process.
func processCPU() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
// #endregion cpu
