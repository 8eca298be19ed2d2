// Package health provides the health statuses the engine reports for its
// modules and services.
package health

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// State is the coarse health of a module, service or the whole composition
type State string

// Health states, ordered from best to worst
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

func (s State) rank() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Status is a point-in-time health report
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Details   []Status  `json:"details,omitempty"`
}

// Healthy reports whether the state is healthy
func (s Status) Healthy() bool {
	return s.State == StateHealthy
}

// NewHealthy creates a healthy status
func NewHealthy(name, message string) Status {
	return Status{Name: name, State: StateHealthy, Message: message, Timestamp: time.Now()}
}

// NewDegraded creates a degraded status
func NewDegraded(name, message string) Status {
	return Status{Name: name, State: StateDegraded, Message: message, Timestamp: time.Now()}
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(name, message string) Status {
	return Status{Name: name, State: StateUnhealthy, Message: message, Timestamp: time.Now()}
}

// FromError creates an unhealthy status from err with connection details and
// credentials removed from the message.
func FromError(name string, err error) Status {
	if err == nil {
		return NewHealthy(name, "ok")
	}
	return NewUnhealthy(name, sanitize(err.Error()))
}

// Aggregate rolls details up into one status named name. The result takes
// the worst detail state; details are sorted by name.
func Aggregate(name string, details []Status) Status {
	if len(details) == 0 {
		return NewHealthy(name, "nothing to report")
	}

	worst := StateHealthy
	var failing []string
	for _, d := range details {
		if d.State.rank() > worst.rank() {
			worst = d.State
		}
		if d.State != StateHealthy {
			failing = append(failing, d.Name)
		}
	}

	var status Status
	switch worst {
	case StateHealthy:
		status = NewHealthy(name, "all healthy")
	case StateDegraded:
		status = NewDegraded(name, "degraded: "+strings.Join(failing, ", "))
	default:
		status = NewUnhealthy(name, "unhealthy: "+strings.Join(failing, ", "))
	}

	status.Details = slices.Clone(details)
	slices.SortFunc(status.Details, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return status
}

var (
	urlPattern        = regexp.MustCompile(`(?i)\b(?:https?|nats|tls|wss?)://[^\s"']+`)
	ipPattern         = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|credential)s?\s*[:=]\s*[^,\s}]+`)
)

func sanitize(msg string) string {
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = ipPattern.ReplaceAllString(msg, "[IP]")
	return credentialPattern.ReplaceAllString(msg, "$1=[REDACTED]")
}
