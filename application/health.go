package application

import (
	"encoding/json"
	"time"
)

// ServiceStatus is the lifecycle state of a service.
type ServiceStatus string

const (
	// ServiceStatusNotStarted is reported until the service goroutine runs.
	ServiceStatusNotStarted ServiceStatus = "NOT_STARTED"
	// ServiceStatusStarted is reported while the service runs.
	ServiceStatusStarted ServiceStatus = "STARTED"
	// ServiceStatusError is reported once the service returned an error or panicked.
	ServiceStatusError ServiceStatus = "ERROR"
)

// Overall states of a process.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// ServiceHealth is the state of one service.
type ServiceHealth struct {
	Status    ServiceStatus `json:"status"`
	StartedAt *time.Time    `json:"startedAt"`
	StoppedAt *time.Time    `json:"stoppedAt,omitempty"`
	Error     string        `json:"error,omitempty"`
	Data      any           `json:"data,omitempty"`
}

// Health is the state of a process: its services, plus the checks of
// components that are not services, such as the migration entry point.
type Health struct {
	Status    string                    `json:"status"`
	StartedAt time.Time                 `json:"startedAt"`
	Uptime    string                    `json:"uptime,omitempty"`
	Services  map[string]*ServiceHealth `json:"services"`
	Checks    map[string]any            `json:"checks,omitempty"`
}

// NewHealth creates an empty Health.
func NewHealth() *Health {
	return &Health{Status: StatusOK, Services: make(map[string]*ServiceHealth), Checks: make(map[string]any)}
}

// StartService marks a registered service started at at. Unknown names are ignored.
func (h *Health) StartService(name string, at time.Time) {
	service, ok := h.Services[name]
	if !ok {
		return
	}

	service.Status = ServiceStatusStarted
	service.StartedAt = &at
}

// FailService marks a registered service stopped with err. Unknown names are ignored.
func (h *Health) FailService(name string, err error, at time.Time) {
	service, ok := h.Services[name]
	if !ok {
		return
	}

	service.Status = ServiceStatusError
	service.StoppedAt = &at
	service.Error = err.Error()
}

// SetServiceData attaches the healthcheck payload of a registered service.
func (h *Health) SetServiceData(name string, data any) {
	if service, ok := h.Services[name]; ok {
		service.Data = data
	}
}

// Healthy reports whether no service has failed.
func (h *Health) Healthy() bool {
	for _, service := range h.Services {
		if service.Status == ServiceStatusError {
			return false
		}
	}
	return true
}

// snapshot copies h for a reader, with the overall status and uptime as of now.
func (h *Health) snapshot(now time.Time) *Health {
	c := &Health{
		StartedAt: h.StartedAt,
		Services:  make(map[string]*ServiceHealth, len(h.Services)),
		Checks:    make(map[string]any, len(h.Checks)),
	}
	for name, service := range h.Services {
		copied := *service
		c.Services[name] = &copied
	}
	for name, data := range h.Checks {
		c.Checks[name] = data
	}

	c.Status = StatusOK
	if !c.Healthy() {
		c.Status = StatusDegraded
	}
	if !h.StartedAt.IsZero() {
		c.Uptime = now.Sub(h.StartedAt).Truncate(time.Second).String()
	}

	return c
}

func (h *Health) String() string {
	b, _ := json.Marshal(h)
	return string(b)
}
