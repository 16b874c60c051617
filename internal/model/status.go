package model

import "fmt"

type SchedulerState string

const (
	SchedulerRunning    SchedulerState = "running"
	SchedulerDraining   SchedulerState = "draining"
	SchedulerTerminated SchedulerState = "terminated"
)

// running → draining → terminated; running may also terminate directly (backlog exhausted).
var validSchedulerTransitions = map[SchedulerState]map[SchedulerState]bool{
	SchedulerRunning: {
		SchedulerDraining:   true,
		SchedulerTerminated: true,
	},
	SchedulerDraining: {
		SchedulerTerminated: true,
	},
}

func IsSchedulerTerminal(s SchedulerState) bool {
	return s == SchedulerTerminated
}

func ValidateSchedulerTransition(from, to SchedulerState) error {
	if IsSchedulerTerminal(from) {
		return fmt.Errorf("cannot transition from terminal scheduler state %q", from)
	}
	allowed, ok := validSchedulerTransitions[from]
	if !ok {
		return fmt.Errorf("unknown scheduler state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid scheduler transition: %q → %q", from, to)
	}
	return nil
}
