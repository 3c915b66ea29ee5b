package api

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Component string
	Ping      func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

const healthTimeout = 3 * time.Second

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		h.recorder().SetHealth(component, status)
		return componentStatus{Component: component, Status: status, Error: message}
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	components := make([]componentStatus, 0, len(h.HealthChecks))
	for _, check := range h.HealthChecks {
		if check.Ping == nil {
			continue
		}
		components = append(components, recordComponent(check.Component, check.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}
