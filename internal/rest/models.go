package rest

import (
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/config"
)

// KeyValue is a single key and its value.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PutRequest sets the value of the key named in the path.
type PutRequest struct {
	Value string `json:"value"`
}

// RenameRequest moves a value from one key to another.
type RenameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// KeysResponse lists keys.
type KeysResponse struct {
	Keys       []string `json:"keys"`
	TotalCount int      `json:"totalCount"`
}

// MembersRequest replaces the group configuration.
type MembersRequest struct {
	Peers []config.PeerConfig `json:"peers"`
}

// StepdownRequest asks the leader to hand over leadership within Timeout
// ticks. Zero means defaultStepdownTicks.
type StepdownRequest struct {
	Timeout int `json:"timeout"`
}

// ResultResponse acknowledges an operation.
type ResultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	LeaderID   string `json:"leaderId,omitempty"`
	LeaderAddr string `json:"leaderAddr,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	UptimeSecs  int64     `json:"uptimeSecs"`
	StartTime   time.Time `json:"startTime"`
	Connections int       `json:"connections"`
	Requests    int64     `json:"requests"`
}
