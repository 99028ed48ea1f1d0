package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"compute-orchestrator/internal/api"
	"compute-orchestrator/internal/config"
	"compute-orchestrator/internal/models"
)

// stubServer is a scriptable fake of the orchestration server. Setting down
// makes every request abort at the transport level, which is what a crashed
// or partitioned server looks like to the client.
type stubServer struct {
	t    *testing.T
	srv  *httptest.Server
	down atomic.Bool

	claimQueue   []models.Task
	claimedLimit atomic.Int64
	returns      atomic.Int64
	returned     map[string]models.TaskResult
	failReturns  atomic.Bool
	heartbeats   atomic.Int64
	deactivated  atomic.Bool
}

func newStubServer(t *testing.T) *stubServer {
	s := &stubServer{t: t, returned: make(map[string]models.TaskResult)}
	mux := http.NewServeMux()
	mux.HandleFunc("/managers/activate", func(w http.ResponseWriter, r *http.Request) {
		s.gate()
		writeJSON(w, api.ActivateResponse{HeartbeatFrequencySeconds: 0.05, JitterFraction: 0.1, HeartbeatMaxMissed: 4})
	})
	mux.HandleFunc("/managers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		s.gate()
		s.heartbeats.Add(1)
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/managers/deactivate", func(w http.ResponseWriter, r *http.Request) {
		s.gate()
		s.deactivated.Store(true)
		writeJSON(w, map[string]string{"status": "deactivated"})
	})
	mux.HandleFunc("/tasks/claim", func(w http.ResponseWriter, r *http.Request) {
		s.gate()
		var req api.ClaimRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.claimedLimit.Store(int64(req.Limit))
		n := req.Limit
		if n > len(s.claimQueue) {
			n = len(s.claimQueue)
		}
		tasks := s.claimQueue[:n]
		s.claimQueue = s.claimQueue[n:]
		writeJSON(w, api.ClaimResponse{Tasks: tasks})
	})
	mux.HandleFunc("/tasks/return", func(w http.ResponseWriter, r *http.Request) {
		s.gate()
		s.returns.Add(1)
		if s.failReturns.Load() {
			http.Error(w, "transaction failed", http.StatusInternalServerError)
			return
		}
		var req api.ReturnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		meta := models.TaskReturnMetadata{}
		for id, res := range req.Results {
			s.returned[id] = res
			meta.AcceptedIDs = append(meta.AcceptedIDs, id)
		}
		writeJSON(w, api.ReturnResponse{TaskReturnMetadata: meta})
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// gate aborts the connection when the server is scripted as down.
func (s *stubServer) gate() {
	if s.down.Load() {
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(serverURL string) config.Config {
	return config.Config{
		ServerURL:          serverURL,
		ClusterName:        "test",
		UpdateFrequency:    10 * time.Millisecond,
		HeartbeatFrequency: 10 * time.Millisecond,
		HeartbeatMaxMiss:   2,
		RequestTimeout:     time.Second,
	}
}

func newTestManager(t *testing.T, stub *stubServer, executors ...Executor) *Manager {
	cfg := testConfig(stub.srv.URL)
	client := NewClient(cfg.ServerURL, cfg.RequestTimeout)
	return New(cfg, client, zap.NewNop(), executors...)
}

func newTestExecutor(ctx context.Context, slots int, fn TaskFunction) *LocalExecutor {
	ex := NewLocalExecutor(ctx, "local", []string{"default"}, slots, 1, 512)
	ex.RegisterFunction("work", fn)
	return ex
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestClaimCapacityIsThreeTimesSlots(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	for i := 0; i < 10; i++ {
		stub.claimQueue = append(stub.claimQueue, models.Task{
			ID: string(rune('a' + i)), RecordID: "r", Function: "work",
		})
	}
	ex := newTestExecutor(ctx, 2, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		time.Sleep(time.Hour) // hold the slot so nothing finishes
		return nil, nil
	})
	m := newTestManager(t, stub, ex)

	m.update(ctx, true)
	require.EqualValues(t, 6, stub.claimedLimit.Load())
	require.Equal(t, 6, m.activeCount())

	// At capacity: no further claim is issued.
	stub.claimedLimit.Store(-1)
	m.update(ctx, true)
	require.EqualValues(t, -1, stub.claimedLimit.Load())
}

func TestResultsPushedWithCompressedPayload(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	stub.claimQueue = []models.Task{{ID: "t1", RecordID: "r1", Function: "work"}}

	ex := newTestExecutor(ctx, 1, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"energy":-1.25}`), nil
	})
	m := newTestManager(t, stub, ex)

	m.update(ctx, true) // claims and submits
	waitFor(t, time.Second, func() bool {
		for _, tasks := range m.inflight {
			for _, inf := range tasks {
				if inf.future.Done() {
					return true
				}
			}
		}
		return false
	})
	m.update(ctx, true) // harvests and pushes

	require.Len(t, stub.returned, 1)
	res := stub.returned["t1"]
	require.True(t, res.Success)
	require.NotEmpty(t, res.Payload)
	require.Equal(t, m.Name(), res.Provenance)
	require.Equal(t, 0, m.activeCount())
	require.Greater(t, m.cpuHours, 0.0)
}

func TestFunctionErrorBecomesFailedResult(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	stub.claimQueue = []models.Task{{ID: "t1", RecordID: "r1", Function: "unregistered_fn"}}

	ex := newTestExecutor(ctx, 1, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	m := newTestManager(t, stub, ex)

	m.update(ctx, true) // unknown function yields an already failed future
	m.update(ctx, true)

	require.Len(t, stub.returned, 1)
	require.False(t, stub.returned["t1"].Success)
}

func TestDeferredResultsRetryUntilServerReturns(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	stub.claimQueue = []models.Task{{ID: "t1", RecordID: "r1", Function: "work"}}

	ex := newTestExecutor(ctx, 1, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	m := newTestManager(t, stub, ex)

	m.update(ctx, true)
	waitFor(t, time.Second, func() bool {
		for _, tasks := range m.inflight {
			for _, inf := range tasks {
				if inf.future.Done() {
					return true
				}
			}
		}
		return false
	})

	// Server goes down before the result can be pushed.
	stub.down.Store(true)
	m.update(ctx, true)
	require.Len(t, m.deferred, 1)
	require.Equal(t, 1, m.deferred[0].attempts)
	require.Equal(t, 0, m.activeCount())

	// Still down: the batch stays deferred with a bumped attempt counter.
	m.update(ctx, true)
	require.Len(t, m.deferred, 1)
	require.Equal(t, 2, m.deferred[0].attempts)

	// Server recovers: the deferred batch lands and is cleared.
	stub.down.Store(false)
	m.update(ctx, true)
	require.Empty(t, m.deferred)
	require.Len(t, stub.returned, 1)
	require.True(t, stub.returned["t1"].Success)
}

func TestServerErrorOnPushDefersBatch(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	stub.claimQueue = []models.Task{{ID: "t1", RecordID: "r1", Function: "work"}}

	ex := newTestExecutor(ctx, 1, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	m := newTestManager(t, stub, ex)

	m.update(ctx, true)
	waitFor(t, time.Second, func() bool {
		for _, tasks := range m.inflight {
			for _, inf := range tasks {
				if inf.future.Done() {
					return true
				}
			}
		}
		return false
	})

	// A 500 proves nothing about whether the results were committed, so the
	// batch is deferred like a transport failure, not dropped.
	stub.failReturns.Store(true)
	m.update(ctx, true)
	require.Len(t, m.deferred, 1)
	require.Equal(t, 1, m.deferred[0].attempts)

	m.update(ctx, true)
	require.Len(t, m.deferred, 1)
	require.Equal(t, 2, m.deferred[0].attempts)

	stub.failReturns.Store(false)
	m.update(ctx, true)
	require.Empty(t, m.deferred)
	require.Len(t, stub.returned, 1)
	require.True(t, stub.returned["t1"].Success)
}

func TestNoClaimWhileServerUnreachable(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	stub.claimQueue = []models.Task{{ID: "t1", RecordID: "r1", Function: "work"}}

	ex := newTestExecutor(ctx, 1, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	m := newTestManager(t, stub, ex)
	m.deferred = append(m.deferred, deferredBatch{results: map[string]models.TaskResult{
		"old": {Success: true},
	}})

	stub.down.Store(true)
	m.update(ctx, true)
	// The failed deferred push marked the server unreachable; no claim happened.
	require.Equal(t, 0, m.activeCount())
	require.Len(t, stub.claimQueue, 1)
}

func TestIdleShutdown(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	ex := newTestExecutor(ctx, 1, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	m := newTestManager(t, stub, ex)
	m.cfg.MaxIdleTime = 20 * time.Millisecond

	m.update(ctx, true) // idle clock starts
	select {
	case <-m.stopCh:
		t.Fatalf("stopped before max idle time elapsed")
	default:
	}

	time.Sleep(30 * time.Millisecond)
	m.update(ctx, true)
	select {
	case <-m.stopCh:
	default:
		t.Fatalf("expected idle shutdown")
	}
}

func TestHeartbeatFailuresTriggerShutdown(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	m := newTestManager(t, stub)
	m.heartbeatMaxMissed = 1
	stub.down.Store(true)

	m.heartbeat(ctx)
	select {
	case <-m.stopCh:
		t.Fatalf("stopped before exceeding max missed heartbeats")
	default:
	}

	m.heartbeat(ctx)
	select {
	case <-m.stopCh:
	default:
		t.Fatalf("expected shutdown after exceeding max missed heartbeats")
	}
}

func TestRunActivatesAndDeactivates(t *testing.T) {
	ctx := context.Background()
	stub := newStubServer(t)
	ex := newTestExecutor(ctx, 1, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	m := newTestManager(t, stub, ex)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return stub.heartbeats.Load() > 0 })
	m.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("manager did not stop")
	}
	require.True(t, stub.deactivated.Load())

	// The server-provided heartbeat settings were applied on activation.
	require.Equal(t, 50*time.Millisecond, m.heartbeatFrequency)
	require.Equal(t, 4, m.heartbeatMaxMissed)
}

func TestStopIsIdempotent(t *testing.T) {
	stub := newStubServer(t)
	m := newTestManager(t, stub)
	m.Stop()
	m.Stop()
}
