package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"downloadengine/internal/clockenv"
	"downloadengine/internal/integrity"
	"downloadengine/internal/nameallocator"
	"downloadengine/internal/policy"
	"downloadengine/internal/spacemanager"
	"downloadengine/internal/store"
)

func noCancel() CancelSignal { return CancelSignal{} }

// noFollowClient disables Go's default automatic redirect-following so
// the Worker's own step 5 redirect handling actually runs.
var noFollowClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func newTestWorker(t *testing.T) (*Worker, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sm := spacemanager.New(nil, nil, nil)
	env := clockenv.NewFakeEnv()

	w := New(Deps{
		Store:        s,
		NameAlloc:    nameallocator.New(1),
		SpaceManager: sm,
		Env:          env,
		Client:       noFollowClient,
		Rand:         policy.NewSeededRand(1),
	})
	return w, s
}

func TestRunSucceedsOnFullDownload(t *testing.T) {
	body := []byte("hello world, this is the payload")
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("ETag", `"abc"`)
		rw.Header().Set("Content-Type", "text/plain")
		rw.WriteHeader(http.StatusOK)
		rw.Write(body)
	}))
	defer srv.Close()

	w, s := newTestWorker(t)
	dir := t.TempDir()

	id, err := s.Insert(&store.Request{
		SourceURI:  srv.URL,
		DestDir:    dir,
		HintName:   "payload.txt",
		Status:     store.StatusRunning,
		TotalBytes: -1,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccess, got.Status)
	require.Equal(t, int64(len(body)), got.CurrentBytes)
	require.Equal(t, int64(len(body)), got.TotalBytes)

	data, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	require.Equal(t, body, data)
}

func TestRunResetsNumFailedOnSuccess(t *testing.T) {
	body := []byte("hello world, this is the payload")
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("ETag", `"abc"`)
		rw.WriteHeader(http.StatusOK)
		rw.Write(body)
	}))
	defer srv.Close()

	w, s := newTestWorker(t)
	dir := t.TempDir()

	id, err := s.Insert(&store.Request{
		SourceURI:  srv.URL,
		DestDir:    dir,
		HintName:   "payload.txt",
		Status:     store.StatusRunning,
		TotalBytes: -1,
		NumFailed:  2,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccess, got.Status)
	require.Equal(t, 0, got.NumFailed)
}

func TestRunFollowsRedirect(t *testing.T) {
	body := []byte("redirected payload")
	var finalSrv *httptest.Server
	finalSrv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write(body)
	}))
	defer finalSrv.Close()

	redirectSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Redirect(rw, r, finalSrv.URL, http.StatusFound)
	}))
	defer redirectSrv.Close()

	w, s := newTestWorker(t)
	dir := t.TempDir()

	id, err := s.Insert(&store.Request{
		SourceURI:  redirectSrv.URL,
		DestDir:    dir,
		Status:     store.StatusRunning,
		TotalBytes: -1,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccess, got.Status)
	require.Equal(t, 1, got.RedirectCount)
}

func TestRunTooManyRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Redirect(rw, r, srv.URL+"/next", http.StatusFound)
	}))
	defer srv.Close()

	w, s := newTestWorker(t)
	dir := t.TempDir()

	id, err := s.Insert(&store.Request{
		SourceURI:     srv.URL,
		DestDir:       dir,
		Status:        store.StatusRunning,
		TotalBytes:    -1,
		RedirectCount: 5,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusTooManyRedirects, got.Status)
}

func Test404MapsToHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	w, s := newTestWorker(t)
	dir := t.TempDir()

	id, err := s.Insert(&store.Request{
		SourceURI:  srv.URL,
		DestDir:    dir,
		Status:     store.StatusRunning,
		TotalBytes: -1,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.Status(404), got.Status)
}

func TestRunHonorsPauseCheckpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("data"))
	}))
	defer srv.Close()

	w, s := newTestWorker(t)
	dir := t.TempDir()

	id, err := s.Insert(&store.Request{
		SourceURI:  srv.URL,
		DestDir:    dir,
		Status:     store.StatusRunning,
		TotalBytes: -1,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, func() CancelSignal { return CancelSignal{Paused: true} })
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusPausedByApp, got.Status)
}

func TestRunResumesFromPartialFile(t *testing.T) {
	full := []byte("0123456789ABCDEFGHIJ")
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		require.Equal(t, "bytes=10-", rng)
		rw.Header().Set("Content-Range", "bytes 10-19/20")
		rw.WriteHeader(http.StatusPartialContent)
		rw.Write(full[10:])
	}))
	defer srv.Close()

	w, s := newTestWorker(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")
	require.NoError(t, os.WriteFile(path, full[:10], 0o644))

	id, err := s.Insert(&store.Request{
		SourceURI:   srv.URL,
		DestDir:     dir,
		FilePath:    path,
		ETag:        "",
		NoIntegrity: true,
		Status:      store.StatusRunning,
		TotalBytes:  -1,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccess, got.Status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, full, data)
}

func TestRunCannotResumeWithoutETagOrNoIntegrity(t *testing.T) {
	w, s := newTestWorker(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o644))

	id, err := s.Insert(&store.Request{
		SourceURI:   "http://example.invalid/x",
		DestDir:     dir,
		FilePath:    path,
		ETag:        "",
		NoIntegrity: false,
		Status:      store.StatusRunning,
		TotalBytes:  -1,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCannotResume, got.Status)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestRunWaitsForNetworkWhenDisconnected(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	env := clockenv.NewFakeEnv()
	env.SetSnapshot(clockenv.Snapshot{Connected: false})

	w := New(Deps{
		Store:        s,
		NameAlloc:    nameallocator.New(1),
		SpaceManager: spacemanager.New(nil, nil, nil),
		Env:          env,
		Client:       noFollowClient,
		Rand:         policy.NewSeededRand(1),
	})

	id, err := s.Insert(&store.Request{
		SourceURI:  "http://example.invalid/x",
		DestDir:    t.TempDir(),
		Status:     store.StatusRunning,
		TotalBytes: -1,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusWaitingForNetwork, got.Status)
}

func TestRunSurfacesHashMismatchAsHttpDataError(t *testing.T) {
	body := []byte("hello world, this is the payload")
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("ETag", `"abc"`)
		rw.WriteHeader(http.StatusOK)
		rw.Write(body)
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	w := New(Deps{
		Store:        s,
		NameAlloc:    nameallocator.New(1),
		SpaceManager: spacemanager.New(nil, nil, nil),
		Env:          clockenv.NewFakeEnv(),
		Client:       noFollowClient,
		Rand:         policy.NewSeededRand(1),
		Verifier:     integrity.NewFileVerifier(),
	})

	dir := t.TempDir()
	id, err := s.Insert(&store.Request{
		SourceURI:     srv.URL,
		DestDir:       dir,
		HintName:      "payload.txt",
		Status:        store.StatusRunning,
		TotalBytes:    -1,
		ExpectedHash:  "0000000000000000000000000000000000000000000000000000000000000000",
		HashAlgorithm: "sha256",
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, noCancel)
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusHttpDataError, got.Status)
	_, statErr := os.Stat(got.FilePath)
	require.True(t, os.IsNotExist(statErr))
}

func TestShutdownReturnsSentinelWithoutTerminalStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("x"))
	}))
	defer srv.Close()

	w, s := newTestWorker(t)
	id, err := s.Insert(&store.Request{
		SourceURI:  srv.URL,
		DestDir:    t.TempDir(),
		Status:     store.StatusRunning,
		TotalBytes: -1,
	})
	require.NoError(t, err)

	err = w.Run(context.Background(), id, func() CancelSignal { return CancelSignal{Shutdown: true} })
	require.ErrorIs(t, err, ErrShutdownRequested)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, got.Status)
}
