package model

import "fmt"

// Priority values double as the ntfy Priority header.
type Priority int

const (
	PriorityInfo     Priority = 1 // self-healing events
	PriorityLow      Priority = 2 // recovery events, disk warnings
	PriorityMedium   Priority = 3 // upload failures, camera issues
	PriorityHigh     Priority = 4 // power issues, storage critical
	PriorityCritical Priority = 5 // system down
)

func (p Priority) String() string {
	switch p {
	case PriorityInfo:
		return "INFO"
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

type Event struct {
	Message  string
	Priority Priority
}
