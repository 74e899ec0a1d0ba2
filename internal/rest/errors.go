package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KilimcininKorOglu/raftkit/internal/raft"
)

// mapRaftError maps a consensus error to HTTP status and error code.
func mapRaftError(err error) (int, string) {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		return http.StatusServiceUnavailable, "not_leader"
	case errors.Is(err, raft.ErrNotStarted), errors.Is(err, raft.ErrAborted):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, raft.ErrConfChangeInProgress):
		return http.StatusConflict, "conf_change_in_progress"
	case errors.Is(err, raft.ErrInvalidConfiguration):
		return http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, raft.ErrDroppedEntry):
		return http.StatusConflict, "dropped_entry"
	case errors.Is(err, raft.ErrCommitStatusUnknown):
		return http.StatusInternalServerError, "commit_status_unknown"
	case errors.Is(err, raft.ErrLogFull):
		return http.StatusTooManyRequests, "log_full"
	case errors.Is(err, raft.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Code:    status,
		Message: message,
	})
}
