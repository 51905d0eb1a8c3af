package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"downloadengine/internal/clockenv"
	"downloadengine/internal/nameallocator"
	"downloadengine/internal/network"
	"downloadengine/internal/policy"
	"downloadengine/internal/spacemanager"
	"downloadengine/internal/store"
	"downloadengine/internal/worker"
)

// fakeRunner is a deterministic WorkerRunner stand-in: each call blocks
// until released or told to shut down, recording start order so tests
// can assert on scheduling decisions without real network I/O.
type fakeRunner struct {
	mu        sync.Mutex
	gates     map[int64]chan struct{}
	startedCh chan int64
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{gates: make(map[int64]chan struct{}), startedCh: make(chan int64, 100)}
}

func (f *fakeRunner) Run(ctx context.Context, id int64, cancelCheck worker.CancelCheck) error {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = gate
	f.mu.Unlock()
	f.startedCh <- id

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-gate:
			return nil
		case <-ticker.C:
			sig := cancelCheck()
			if sig.Shutdown {
				return worker.ErrShutdownRequested
			}
			if sig.Deleted {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *fakeRunner) release(id int64) {
	f.mu.Lock()
	gate := f.gates[id]
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func requireStarted(t *testing.T, ch chan int64) int64 {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a worker to start")
		return 0
	}
}

func requireNoStart(t *testing.T, ch chan int64) {
	t.Helper()
	select {
	case id := <-ch:
		t.Fatalf("unexpected worker start: %d", id)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestReconcileRespectsMaxConcurrent(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	runner := newFakeRunner()
	env := clockenv.NewFakeEnv()
	sched := New(s, env, runner, 2, policy.NewSeededRand(1), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.Insert(&store.Request{SourceURI: "http://example.invalid", Status: store.StatusRunning, TotalBytes: -1})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	first := requireStarted(t, runner.startedCh)
	second := requireStarted(t, runner.startedCh)
	require.NotEqual(t, first, second)

	requireNoStart(t, runner.startedCh)

	runner.release(first)
	third := requireStarted(t, runner.startedCh)
	require.NotEqual(t, second, third)

	for _, id := range ids {
		runner.release(id)
	}
	sched.Shutdown()
}

func TestReconcileCapsPerHostConcurrencyBelowMaxConcurrent(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	runner := newFakeRunner()
	env := clockenv.NewFakeEnv()
	congestion := network.NewCongestionController(1, 8)
	sched := New(s, env, runner, 2, policy.NewSeededRand(1), nil, congestion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	id1, err := s.Insert(&store.Request{SourceURI: "http://same-host.invalid/a", Status: store.StatusRunning, TotalBytes: -1})
	require.NoError(t, err)
	id2, err := s.Insert(&store.Request{SourceURI: "http://same-host.invalid/b", Status: store.StatusRunning, TotalBytes: -1})
	require.NoError(t, err)

	first := requireStarted(t, runner.startedCh)
	require.Contains(t, []int64{id1, id2}, first)

	// maxConcurrent is 2, but GetIdealConcurrency slow-starts a new host
	// at 1, so the second same-host request must not start yet.
	requireNoStart(t, runner.startedCh)

	runner.release(first)
	second := requireStarted(t, runner.startedCh)
	require.NotEqual(t, first, second)

	runner.release(second)
	sched.Shutdown()
}

func TestReconcileOrdersCandidatesFIFOByLastModified(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	idLate, err := s.Insert(&store.Request{SourceURI: "http://a.invalid", Status: store.StatusRunning, TotalBytes: -1, LastModified: 300})
	require.NoError(t, err)
	idEarly, err := s.Insert(&store.Request{SourceURI: "http://b.invalid", Status: store.StatusRunning, TotalBytes: -1, LastModified: 100})
	require.NoError(t, err)
	idMid, err := s.Insert(&store.Request{SourceURI: "http://c.invalid", Status: store.StatusRunning, TotalBytes: -1, LastModified: 200})
	require.NoError(t, err)

	runner := newFakeRunner()
	env := clockenv.NewFakeEnv()
	sched := New(s, env, runner, 1, policy.NewSeededRand(1), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	first := requireStarted(t, runner.startedCh)
	require.Equal(t, idEarly, first)
	runner.release(first)

	second := requireStarted(t, runner.startedCh)
	require.Equal(t, idMid, second)
	runner.release(second)

	third := requireStarted(t, runner.startedCh)
	require.Equal(t, idLate, third)
	runner.release(third)

	sched.Shutdown()
}

func TestShutdownMarksRunningRowsWaitingToRetryWithoutIncrementingNumFailed(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Insert(&store.Request{SourceURI: "http://example.invalid", Status: store.StatusRunning, TotalBytes: -1, NumFailed: 2})
	require.NoError(t, err)

	runner := newFakeRunner()
	env := clockenv.NewFakeEnv()
	sched := New(s, env, runner, 1, policy.NewSeededRand(1), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	requireStarted(t, runner.startedCh)

	sched.Shutdown()

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusWaitingToRetry, got.Status)
	require.Equal(t, 2, got.NumFailed)
}

func TestSchedulerDrivesRealWorkerToSuccess(t *testing.T) {
	body := []byte("scheduler driven payload")
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("ETag", `"abc"`)
		rw.WriteHeader(http.StatusOK)
		rw.Write(body)
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	noFollowClient := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error { return http.ErrUseLastResponse },
	}
	w := worker.New(worker.Deps{
		Store:        s,
		NameAlloc:    nameallocator.New(1),
		SpaceManager: spacemanager.New(nil, nil, nil),
		Env:          clockenv.NewFakeEnv(),
		Client:       noFollowClient,
		Rand:         policy.NewSeededRand(1),
	})

	env := clockenv.NewFakeEnv()
	sched := New(s, env, w, 2, policy.NewSeededRand(1), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Shutdown()

	dir := t.TempDir()
	id, err := s.Insert(&store.Request{SourceURI: srv.URL, DestDir: dir, Status: store.StatusRunning, TotalBytes: -1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		row, err := s.Get(id)
		return err == nil && row != nil && row.Status == store.StatusSuccess
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDeleteWhileRunningEventuallyHardDeletesRow(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Insert(&store.Request{SourceURI: "http://example.invalid", Status: store.StatusRunning, TotalBytes: -1})
	require.NoError(t, err)

	runner := newFakeRunner()
	env := clockenv.NewFakeEnv()
	sched := New(s, env, runner, 1, policy.NewSeededRand(1), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Shutdown()

	requireStarted(t, runner.startedCh)

	deleted := true
	require.NoError(t, s.Update(id, store.Patch{Deleted: &deleted}))

	require.Eventually(t, func() bool {
		row, err := s.Get(id)
		return err == nil && row == nil
	}, 2*time.Second, 20*time.Millisecond)
}
