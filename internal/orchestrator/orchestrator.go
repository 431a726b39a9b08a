package orchestrator

import (
	"context"
	"encoding/json"
)

// BackendStatus represents the lifecycle state of a managed inference
// backend (an STT, LLM, or TTS process the aiservice role depends on).
type BackendStatus string

const (
	StatusStopped  BackendStatus = "stopped"
	StatusStarting BackendStatus = "starting"
	StatusRunning  BackendStatus = "running"
	StatusHealthy  BackendStatus = "healthy"
	StatusUnknown  BackendStatus = "unknown"
)

// BackendInfo holds the current state of one managed inference backend.
type BackendInfo struct {
	Name     string        `json:"name"`
	Status   BackendStatus `json:"status"`
	Category string        `json:"category"`
}

// BackendManager controls the lifecycle of self-hosted STT/LLM/TTS
// backends the aiservice role talks to. Implementations can target a bare
// HTTP control server, Docker Compose, Kubernetes, or a cloud autoscaler.
type BackendManager interface {
	Start(ctx context.Context, name string) (json.RawMessage, error)
	Stop(ctx context.Context, name string) (json.RawMessage, error)
	Status(ctx context.Context, name string) (*BackendInfo, error)
	StatusAll(ctx context.Context) ([]BackendInfo, error)
}
