package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/KilimcininKorOglu/raftkit/internal/cluster"
	"github.com/KilimcininKorOglu/raftkit/internal/config"
	"github.com/KilimcininKorOglu/raftkit/internal/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu       sync.Mutex
	leader   bool
	data     map[string][]byte
	barriers int
	members  []config.PeerConfig
	stepdown int
	err      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{leader: true, data: make(map[string][]byte)}
}

func (b *fakeBackend) write() error {
	if b.err != nil {
		return b.err
	}
	if !b.leader {
		return raft.ErrNotLeader
	}
	return nil
}

func (b *fakeBackend) Status() *cluster.ClusterStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := &cluster.ClusterStatus{NodeID: "self", State: "follower", Keys: len(b.data)}
	if b.leader {
		st.State = "leader"
	}
	st.LeaderID = "leader-id"
	st.LeaderAddr = "10.0.0.1:7000"
	for _, p := range b.members {
		st.Members = append(st.Members, cluster.PeerStatus{ID: p.ID, Addr: p.Address, Voting: p.Voting})
	}
	return st
}

func (b *fakeBackend) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(); err != nil {
		return err
	}
	b.data[key] = value
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(); err != nil {
		return err
	}
	delete(b.data, key)
	return nil
}

func (b *fakeBackend) Rename(_ context.Context, oldKey, newKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(); err != nil {
		return err
	}
	if v, ok := b.data[oldKey]; ok {
		delete(b.data, oldKey)
		b.data[newKey] = v
	}
	return nil
}

func (b *fakeBackend) Get(_ context.Context, key string, linearizable bool) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if linearizable {
		b.barriers++
	}
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *fakeBackend) Keys(_ context.Context, prefix string, linearizable bool) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if linearizable {
		b.barriers++
	}
	var keys []string
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fakeBackend) ReadBarrier(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.barriers++
	return nil
}

func (b *fakeBackend) SetMembers(_ context.Context, peers []config.PeerConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(); err != nil {
		return err
	}
	b.members = peers
	return nil
}

func (b *fakeBackend) Stepdown(_ context.Context, timeout int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.write(); err != nil {
		return err
	}
	b.stepdown = timeout
	return nil
}

func newTestServer(t *testing.T) (*fakeBackend, http.Handler) {
	t.Helper()
	be := newFakeBackend()
	cfg := DefaultServerConfig()
	cfg.Version = "test"
	return be, NewServer(cfg, be, nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestKeyLifecycle(t *testing.T) {
	be, h := newTestServer(t)

	rec := do(t, h, http.MethodPut, "/api/v1/kv/users/alice", PutRequest{Value: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte("admin"), be.data["users/alice"])

	rec = do(t, h, http.MethodGet, "/api/v1/kv/users/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var kv KeyValue
	decode(t, rec, &kv)
	assert.Equal(t, KeyValue{Key: "users/alice", Value: "admin"}, kv)

	rec = do(t, h, http.MethodPost, "/api/v1/rename", RenameRequest{From: "users/alice", To: "users/bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/kv?prefix=users/&consistent=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var keys KeysResponse
	decode(t, rec, &keys)
	assert.Equal(t, []string{"users/bob"}, keys.Keys)
	assert.Equal(t, 1, be.barriers)

	rec = do(t, h, http.MethodDelete, "/api/v1/kv/users/bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/kv/users/bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/kv", nil)
	decode(t, rec, &keys)
	assert.Empty(t, keys.Keys)
	assert.NotNil(t, keys.Keys)
}

func TestBadRequests(t *testing.T) {
	_, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/kv/a", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/rename", RenameRequest{From: "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/members", MembersRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/stepdown", StepdownRequest{Timeout: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/status", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWriteOnFollowerNamesLeader(t *testing.T) {
	be, h := newTestServer(t)
	be.leader = false

	rec := do(t, h, http.MethodPut, "/api/v1/kv/a", PutRequest{Value: "1"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, "not_leader", resp.Error)
	assert.Equal(t, "leader-id", resp.LeaderID)
	assert.Equal(t, "10.0.0.1:7000", resp.LeaderAddr)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{raft.ErrConfChangeInProgress, http.StatusConflict, "conf_change_in_progress"},
		{raft.ErrInvalidConfiguration, http.StatusBadRequest, "invalid_configuration"},
		{raft.ErrDroppedEntry, http.StatusConflict, "dropped_entry"},
		{raft.ErrCommitStatusUnknown, http.StatusInternalServerError, "commit_status_unknown"},
		{raft.ErrLogFull, http.StatusTooManyRequests, "log_full"},
		{raft.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{raft.ErrAborted, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			be, h := newTestServer(t)
			be.err = tt.err

			rec := do(t, h, http.MethodPost, "/api/v1/barrier", nil)
			assert.Equal(t, tt.status, rec.Code)
			var resp ErrorResponse
			decode(t, rec, &resp)
			assert.Equal(t, tt.code, resp.Error)
			assert.Empty(t, resp.LeaderID)
		})
	}
}

func TestMembers(t *testing.T) {
	be, h := newTestServer(t)
	peers := []config.PeerConfig{
		{ID: raft.NewServerID().String(), Address: "10.0.0.1:7000", Voting: true},
		{ID: raft.NewServerID().String(), Address: "10.0.0.2:7000"},
	}

	rec := do(t, h, http.MethodPut, "/api/v1/members", MembersRequest{Peers: peers})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, peers, be.members)

	rec = do(t, h, http.MethodGet, "/api/v1/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var members []cluster.PeerStatus
	decode(t, rec, &members)
	require.Len(t, members, 2)
	assert.True(t, members[0].Voting)
	assert.False(t, members[1].Voting)
}

func TestStepdownAndBarrier(t *testing.T) {
	be, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/v1/stepdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultStepdownTicks, be.stepdown)

	rec = do(t, h, http.MethodPost, "/api/v1/stepdown", StepdownRequest{Timeout: 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, be.stepdown)

	rec = do(t, h, http.MethodPost, "/api/v1/barrier", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, be.barriers)
}

func TestStatus(t *testing.T) {
	_, h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st cluster.ClusterStatus
	decode(t, rec, &st)
	assert.Equal(t, "self", st.NodeID)
	assert.Equal(t, "leader", st.State)
}

func TestCORS(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServerStartStop(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg, newFakeBackend(), nil)
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
}
