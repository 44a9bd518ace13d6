package health

import (
	"context"
	"time"
)

// Status represents the health status of a component.
type Status int

const (
	// StatusHealthy indicates the component is functioning normally.
	StatusHealthy Status = iota
	// StatusDegraded indicates the component is functioning but with issues.
	StatusDegraded
	// StatusUnhealthy indicates the component is not functioning properly.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Worse returns whichever of s and other is the more severe status.
func (s Status) Worse(other Status) Status {
	if other > s {
		return other
	}
	return s
}

// Detail keys used by the checkers in this package and the cache.
const (
	// DetailUsage holds a Usage value.
	DetailUsage = "usage"
	// DetailSchedule holds a Schedule value.
	DetailSchedule = "schedule"
)

// Usage is how much of a bounded resource is in use. A Limit of zero or
// less means the resource is unbounded.
type Usage struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit,omitempty"`
}

// Bounded reports whether the resource has a limit.
func (u Usage) Bounded() bool {
	return u.Limit > 0
}

// Ratio returns Used/Limit, or 0 for an unbounded resource.
func (u Usage) Ratio() float64 {
	if !u.Bounded() {
		return 0
	}
	return float64(u.Used) / float64(u.Limit)
}

// Schedule describes the recent history of a periodic background job.
type Schedule struct {
	Interval            time.Duration `json:"interval"`
	LastRun             time.Time     `json:"last_run"`
	LastSuccess         time.Time     `json:"last_success"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Idle returns how long the job has gone without running, measured from
// since when it has never run. Zero when neither time is known.
func (s Schedule) Idle(now, since time.Time) time.Duration {
	if !s.LastRun.IsZero() {
		since = s.LastRun
	}
	if since.IsZero() {
		return 0
	}
	return now.Sub(since)
}

// Result contains the outcome of a health check.
type Result struct {
	// Status is the health status.
	Status Status

	// Message provides additional context about the status.
	Message string

	// Details contains arbitrary metadata about the check.
	Details map[string]any

	// Duration is how long the check took.
	Duration time.Duration

	// Timestamp is when the check was performed.
	Timestamp time.Time

	// Error is the error if the check failed.
	Error error
}

// Healthy creates a healthy result.
func Healthy(message string) Result {
	return Result{
		Status:    StatusHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Degraded creates a degraded result.
func Degraded(message string) Result {
	return Result{
		Status:    StatusDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Unhealthy creates an unhealthy result.
func Unhealthy(message string, err error) Result {
	return Result{
		Status:    StatusUnhealthy,
		Message:   message,
		Error:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to a result.
func (r Result) WithDetails(details map[string]any) Result {
	r.Details = details
	return r
}

// WithDetail sets a single detail, leaving the receiver's map untouched.
func (r Result) WithDetail(key string, value any) Result {
	details := make(map[string]any, len(r.Details)+1)
	for k, v := range r.Details {
		details[k] = v
	}
	details[key] = value
	r.Details = details
	return r
}

// Usage returns the Usage detail, if the result carries one.
func (r Result) Usage() (Usage, bool) {
	u, ok := r.Details[DetailUsage].(Usage)
	return u, ok
}

// Schedule returns the Schedule detail, if the result carries one.
func (r Result) Schedule() (Schedule, bool) {
	s, ok := r.Details[DetailSchedule].(Schedule)
	return s, ok
}

// WithDuration sets the duration on a result.
func (r Result) WithDuration(d time.Duration) Result {
	r.Duration = d
	return r
}

// Checker is the interface for health checks.
type Checker interface {
	// Name returns the name of this checker.
	Name() string

	// Check performs the health check and returns the result.
	Check(ctx context.Context) Result
}

// CheckerFunc is an adapter to allow ordinary functions to be used as Checkers.
type CheckerFunc struct {
	name string
	fn   func(context.Context) Result
}

// NewCheckerFunc creates a new CheckerFunc.
func NewCheckerFunc(name string, fn func(context.Context) Result) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

// Name returns the name of this checker.
func (f *CheckerFunc) Name() string {
	return f.name
}

// Check performs the health check.
func (f *CheckerFunc) Check(ctx context.Context) Result {
	return f.fn(ctx)
}
