package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Dependency is one component the health endpoint probes.
type Dependency struct {
	Name string
	// Optional dependencies are reported but do not fail the check.
	Optional bool
	Check    func(ctx context.Context) error
}

type HealthHandler struct {
	name         string
	env          string
	startedAt    time.Time
	dependencies []Dependency
}

type dependencyStatus struct {
	OK       bool   `json:"ok"`
	Optional bool   `json:"optional,omitempty"`
	Message  string `json:"message,omitempty"`
}

func NewHealthHandler(name, env string, startedAt time.Time, dependencies ...Dependency) *HealthHandler {
	return &HealthHandler{name: name, env: env, startedAt: startedAt, dependencies: dependencies}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	allOK := true
	statuses := make(gin.H, len(h.dependencies))
	for _, dep := range h.dependencies {
		status := dependencyStatus{OK: true, Optional: dep.Optional}
		if err := dep.Check(ctx); err != nil {
			status = dependencyStatus{OK: false, Optional: dep.Optional, Message: err.Error()}
			if !dep.Optional {
				allOK = false
			}
		}
		statuses[dep.Name] = status
	}

	statusCode := http.StatusOK
	if !allOK {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"app":          h.name,
		"env":          h.env,
		"uptime_sec":   int(time.Since(h.startedAt).Seconds()),
		"dependencies": statuses,
	})
}
