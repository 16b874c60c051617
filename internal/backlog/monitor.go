// Package backlog detects an exhausted queue: a run of rounds in which no
// worker found anything to claim.
package backlog

import (
	"sync"

	"github.com/msageha/leasepool/internal/model"
)

type Monitor struct {
	mu               sync.Mutex
	threshold        int
	consecutiveEmpty int
}

func NewMonitor(threshold int) *Monitor {
	if threshold <= 0 {
		threshold = model.DefaultEmptyRoundThreshold
	}
	return &Monitor{threshold: threshold}
}

// RecordRound counts the round as empty when every outcome is NO_TASK, and
// reports whether the empty streak has reached the threshold. Any attempted
// task resets the streak.
func (m *Monitor) RecordRound(outcomes []model.WorkerOutcome) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := true
	for _, o := range outcomes {
		if !o.IsNoTask() {
			empty = false
			break
		}
	}
	if empty {
		m.consecutiveEmpty++
	} else {
		m.consecutiveEmpty = 0
	}
	return m.consecutiveEmpty >= m.threshold
}

func (m *Monitor) ConsecutiveEmpty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveEmpty
}

func (m *Monitor) Threshold() int {
	return m.threshold
}
