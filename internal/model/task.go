package model

import "strings"

// Priority is an ordered task priority. Higher values are claimed first.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

const priorityLabelPrefix = "priority:"

var priorityNames = map[Priority]string{
	PriorityNone:   "none",
	PriorityLow:    "low",
	PriorityMedium: "medium",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "none"
}

// ParsePriority accepts "high" or "priority:high". Unknown strings map to PriorityNone.
func ParsePriority(s string) Priority {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), priorityLabelPrefix)
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityNone
}

func (p Priority) MarshalYAML() (any, error) {
	return p.String(), nil
}

func (p *Priority) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// PriorityFromLabels returns the highest priority:<level> label present.
func PriorityFromLabels(labels []string) Priority {
	best := PriorityNone
	for _, l := range labels {
		if !strings.HasPrefix(strings.ToLower(l), priorityLabelPrefix) {
			continue
		}
		if p := ParsePriority(l); p > best {
			best = p
		}
	}
	return best
}

type TaskState string

const (
	TaskStateOpen   TaskState = "open"
	TaskStateClosed TaskState = "closed"
)

// Task is a unit of work owned by the external tracker. leasepool never creates or deletes tasks.
type Task struct {
	ID       string    `yaml:"id" json:"id"`
	Title    string    `yaml:"title" json:"title"`
	Priority Priority  `yaml:"priority" json:"-"`
	Labels   []string  `yaml:"labels,omitempty" json:"labels,omitempty"`
	State    TaskState `yaml:"state" json:"state"`
}

func (t Task) HasLabels(labels []string) bool {
	for _, want := range labels {
		found := false
		for _, have := range t.Labels {
			if strings.EqualFold(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
