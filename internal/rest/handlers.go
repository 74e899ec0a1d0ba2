package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/raftkit/internal/cluster"
	"github.com/KilimcininKorOglu/raftkit/internal/config"
	"github.com/gorilla/mux"
)

const defaultStepdownTicks = 50

// Backend is the node the API operates on. *cluster.Node implements it.
type Backend interface {
	Status() *cluster.ClusterStatus
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Rename(ctx context.Context, oldKey, newKey string) error
	Get(ctx context.Context, key string, linearizable bool) ([]byte, bool, error)
	Keys(ctx context.Context, prefix string, linearizable bool) ([]string, error)
	ReadBarrier(ctx context.Context) error
	SetMembers(ctx context.Context, peers []config.PeerConfig) error
	Stepdown(ctx context.Context, timeout int) error
}

// Handlers contains all REST API handlers.
type Handlers struct {
	backend      Backend
	version      string
	timeout      time.Duration
	startTime    time.Time
	requestCount int64
	activeConns  int64
}

// NewHandlers creates new handlers. Each backend call is bounded by timeout.
func NewHandlers(be Backend, version string, timeout time.Duration) *Handlers {
	return &Handlers{
		backend:   be,
		version:   version,
		timeout:   timeout,
		startTime: time.Now(),
	}
}

// IncrementConnections increments active connection count.
func (h *Handlers) IncrementConnections() {
	atomic.AddInt64(&h.activeConns, 1)
}

// DecrementConnections decrements active connection count.
func (h *Handlers) DecrementConnections() {
	atomic.AddInt64(&h.activeConns, -1)
}

func (h *Handlers) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	atomic.AddInt64(&h.requestCount, 1)
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

// writeBackendError writes err, naming the leader when the node is not it.
func (h *Handlers) writeBackendError(w http.ResponseWriter, err error) {
	status, code := mapRaftError(err)
	resp := ErrorResponse{Error: code, Code: status, Message: err.Error()}
	if code == "not_leader" {
		st := h.backend.Status()
		resp.LeaderID = st.LeaderID
		resp.LeaderAddr = st.LeaderAddr
	}
	writeJSON(w, status, resp)
}

func consistent(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("consistent"))
	return v
}

// HandleHealth handles GET /api/v1/health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     h.version,
		Uptime:      uptime.String(),
		UptimeSecs:  int64(uptime.Seconds()),
		StartTime:   h.startTime,
		Connections: int(atomic.LoadInt64(&h.activeConns)),
		Requests:    atomic.LoadInt64(&h.requestCount),
	})
}

// HandleStatus handles GET /api/v1/status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)
	writeJSON(w, http.StatusOK, h.backend.Status())
}

// HandleGetKey handles GET /api/v1/kv/{key}
func (h *Handlers) HandleGetKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	key := mux.Vars(r)["key"]
	value, ok, err := h.backend.Get(ctx, key, consistent(r))
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, KeyValue{Key: key, Value: string(value)})
}

// HandleListKeys handles GET /api/v1/kv
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	keys, err := h.backend.Keys(ctx, r.URL.Query().Get("prefix"), consistent(r))
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, KeysResponse{Keys: keys, TotalCount: len(keys)})
}

// HandlePutKey handles PUT /api/v1/kv/{key}
func (h *Handlers) HandlePutKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	var req PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	key := mux.Vars(r)["key"]
	if err := h.backend.Put(ctx, key, []byte(req.Value)); err != nil {
		h.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, KeyValue{Key: key, Value: req.Value})
}

// HandleDeleteKey handles DELETE /api/v1/kv/{key}
func (h *Handlers) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	if err := h.backend.Delete(ctx, mux.Vars(r)["key"]); err != nil {
		h.writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRename handles POST /api/v1/rename
func (h *Handlers) HandleRename(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "missing_key", "from and to are required")
		return
	}
	if err := h.backend.Rename(ctx, req.From, req.To); err != nil {
		h.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Success: true})
}

// HandleGetMembers handles GET /api/v1/members
func (h *Handlers) HandleGetMembers(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&h.requestCount, 1)
	members := h.backend.Status().Members
	if members == nil {
		members = []cluster.PeerStatus{}
	}
	writeJSON(w, http.StatusOK, members)
}

// HandleSetMembers handles PUT /api/v1/members
func (h *Handlers) HandleSetMembers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	var req MembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.Peers) == 0 {
		writeError(w, http.StatusBadRequest, "empty_peers", "at least one peer is required")
		return
	}
	if err := h.backend.SetMembers(ctx, req.Peers); err != nil {
		h.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Success: true, Message: "configuration committed"})
}

// HandleStepdown handles POST /api/v1/stepdown
func (h *Handlers) HandleStepdown(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	var req StepdownRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	}
	if req.Timeout < 0 {
		writeError(w, http.StatusBadRequest, "invalid_timeout", "timeout must not be negative")
		return
	}
	if req.Timeout == 0 {
		req.Timeout = defaultStepdownTicks
	}
	if err := h.backend.Stepdown(ctx, req.Timeout); err != nil {
		h.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Success: true, Message: "leadership transferred"})
}

// HandleBarrier handles POST /api/v1/barrier
func (h *Handlers) HandleBarrier(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	if err := h.backend.ReadBarrier(ctx); err != nil {
		h.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Success: true})
}
