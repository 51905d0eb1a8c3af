// Package worker implements the single-attempt HTTP transfer Worker
// described in SPEC_FULL.md §4.3: one Worker instance serves one request
// from start to either a terminal status or a transient status with a
// planned next attempt, restarting its own loop internally on redirect.
//
// Grounded on the donor's internal/engine/http.go (newRequest/ProbeURL/
// friendlyError), worker.go (the buffered-copy stream loop), and
// state.go (resume-precondition validation), generalized per
// SPEC_FULL.md §4.3.1 from a multi-part parallel downloader into a
// single HTTP stream per request, with CongestionController and
// BandwidthManager repurposed rather than dropped (see internal/network).
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"downloadengine/internal/clockenv"
	"downloadengine/internal/integrity"
	"downloadengine/internal/nameallocator"
	"downloadengine/internal/network"
	"downloadengine/internal/policy"
	"downloadengine/internal/security"
	"downloadengine/internal/spacemanager"
	"downloadengine/internal/store"
)

// BufferSize is the stream loop's read chunk size, per SPEC_FULL.md §4.3
// step 9.
const BufferSize = 8 * 1024

const GenericUserAgent = "downloadengine/1.0"

// HTTPDoer lets tests substitute a fake transport. The supplied client
// must disable automatic redirect-following (CheckRedirect returning
// http.ErrUseLastResponse) so the Worker's own step 5 redirect handling,
// not net/http's default follow-up-to-10 behavior, sees every 3xx.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProgressFunc publishes throughput to the Notifier out-of-band, per
// step 9's "publish speed... via out-of-band channel".
type ProgressFunc func(id int64, currentBytes int64, bytesPerSec float64)

// CancelSignal is what a Worker checks at its three checkpoints.
type CancelSignal struct {
	Paused   bool
	Deleted  bool
	Shutdown bool
}

// CancelCheck is polled before the request, at each response-header
// parse, and after each streamed chunk.
type CancelCheck func() CancelSignal

// ErrShutdownRequested signals the Scheduler that a graceful host
// shutdown interrupted this attempt; the request must be rescheduled,
// never marked terminal, per SPEC_FULL.md §4.3's cancellation contract.
var ErrShutdownRequested = errors.New("worker: shutdown requested")

// Deps bundles everything one Worker attempt needs.
type Deps struct {
	Store            *store.Store
	NameAlloc        *nameallocator.Allocator
	SpaceManager     *spacemanager.Manager
	Env              clockenv.Env
	Bandwidth        *network.BandwidthManager
	Client           HTTPDoer
	Logger           *slog.Logger
	Rand             policy.Rand
	DefaultUserAgent string
	Progress         ProgressFunc
	Verifier         *integrity.FileVerifier

	// Scanner is an optional antivirus pass run over the finalized file
	// before the row is marked Success; nil skips the check entirely.
	Scanner security.Scanner

	// Stats is an optional lifetime/daily totals sink, notified once per
	// completed request, mirroring the donor's
	// TrackFileCompleted/TrackDownloadBytes call pair at completion.
	Stats StatsSink
}

// StatsSink is the subset of analytics.Manager the Worker needs at
// completion time.
type StatsSink interface {
	TrackFileCompleted()
	TrackDownloadBytes(n int64)
}

// Worker runs one attempt of one request at a time.
type Worker struct {
	deps Deps
}

func New(deps Deps) *Worker {
	if deps.Rand == nil {
		deps.Rand = policy.NewSeededRand(time.Now().UnixNano())
	}
	return &Worker{deps: deps}
}

// Run executes one attempt for the request with the given id: it reads
// the current row, performs setup/headers/connectivity/send/status-
// dispatch/stream/finalize, persists the outcome, and returns. A
// redirect restarts the send step internally without returning.
func (w *Worker) Run(ctx context.Context, id int64, cancelCheck CancelCheck) error {
	req, err := w.deps.Store.Get(id)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	currentURI := req.SourceURI
	rangeStart, ifMatch, err := w.setupDestination(req)
	if err != nil {
		if errors.Is(err, errStopAttempt) {
			return nil
		}
		return err
	}
	firstAttempt := req.FilePath == ""

	for {
		if sig := cancelCheck(); sig.Shutdown {
			return ErrShutdownRequested
		} else if sig.Deleted {
			return w.cancelDeleted(req)
		} else if sig.Paused {
			return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusPausedByApp)})
		}

		env := w.deps.Env.Snapshot()
		decision := policy.Evaluate(*req, env, w.deps.Env.NowWallMs(), w.deps.Rand)
		if term, ok := w.handleNonRunnable(req, decision); ok {
			return term
		}

		httpReq, err := w.buildRequest(ctx, currentURI, req, rangeStart, ifMatch)
		if err != nil {
			return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusHttpDataError)})
		}

		resp, sendErr := w.deps.Client.Do(httpReq)
		if sendErr != nil {
			return w.handleSendError(req, env)
		}

		if sig := cancelCheck(); sig.Shutdown {
			resp.Body.Close()
			return ErrShutdownRequested
		} else if sig.Deleted {
			resp.Body.Close()
			return w.cancelDeleted(req)
		} else if sig.Paused {
			resp.Body.Close()
			return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusPausedByApp)})
		}

		redirected, newURI, terminal, err := w.dispatchStatus(req, resp, rangeStart)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
		if redirected {
			currentURI = newURI
			continue
		}

		// resp is a usable 200/206; step 6-11 consume it and return.
		return w.receiveBody(ctx, req, resp, rangeStart, ifMatch, firstAttempt, currentURI, cancelCheck)
	}
}

func statusPtr(s store.Status) *store.Status { return &s }

// setupDestination is step 1: validate or discard a pre-existing partial
// file, per SPEC_FULL.md §3 invariant 2.
func (w *Worker) setupDestination(req *store.Request) (rangeStart int64, ifMatch string, err error) {
	if req.FilePath == "" {
		return 0, "", nil
	}
	fi, statErr := os.Stat(req.FilePath)
	if statErr != nil {
		return 0, "", nil
	}
	if fi.Size() == 0 {
		os.Remove(req.FilePath)
		return 0, "", nil
	}
	if req.ETag == "" && !req.NoIntegrity {
		os.Remove(req.FilePath)
		_ = w.deps.Store.Update(req.ID, store.Patch{Status: statusPtr(store.StatusCannotResume)})
		return 0, "", errStopAttempt
	}
	req.CurrentBytes = fi.Size()
	return fi.Size(), req.ETag, nil
}

// errStopAttempt is an internal sentinel meaning "the attempt already
// concluded and persisted a terminal status"; Run translates it to a nil
// return (not a real failure of the Run call itself).
var errStopAttempt = errors.New("worker: attempt concluded")

func (w *Worker) patch(id int64, p store.Patch) error {
	return w.deps.Store.Update(id, p)
}

func (w *Worker) cancelDeleted(req *store.Request) error {
	if req.FilePath != "" {
		os.Remove(req.FilePath)
	}
	return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusCanceled)})
}

// handleNonRunnable is step 3/8's connectivity precheck, implemented via
// Policy. ok=true means the caller must return immediately (term holds
// whatever error Run should propagate, nil on a normal stop).
func (w *Worker) handleNonRunnable(req *store.Request, d policy.Decision) (term error, ok bool) {
	switch d.Kind {
	case policy.KindRunNow:
		return nil, false
	case policy.KindPause:
		return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusPausedByApp)}), true
	case policy.KindSkip:
		return nil, true
	case policy.KindDefer:
		return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusDeviceNotFound)}), true
	case policy.KindWaitNetwork:
		status := store.StatusWaitingForNetwork
		if d.RequiredNetwork == policy.RequiredUnmetered && w.deps.Env.Snapshot().Connected {
			status = store.StatusQueuedForWifi
		}
		return w.patch(req.ID, store.Patch{Status: statusPtr(status)}), true
	}
	return nil, false
}

func (w *Worker) buildRequest(ctx context.Context, uri string, req *store.Request, rangeStart int64, ifMatch string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}

	ua := req.UserAgent
	if ua == "" {
		ua = w.deps.DefaultUserAgent
	}
	if ua == "" {
		ua = GenericUserAgent
	}
	httpReq.Header.Set("User-Agent", ua)
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Connection", "keep-alive")

	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	if req.Cookies != "" {
		httpReq.Header.Set("Cookie", req.Cookies)
	}
	if rangeStart > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
	}
	if ifMatch != "" {
		httpReq.Header.Set("If-Match", ifMatch)
	}

	headers, herr := w.deps.Store.Headers(req.ID)
	if herr == nil {
		for _, h := range headers {
			httpReq.Header.Set(h.Name, h.Value)
		}
	}

	return httpReq, nil
}

// handleSendError is step 4.
func (w *Worker) handleSendError(req *store.Request, env clockenv.Snapshot) error {
	if !env.Connected {
		return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusWaitingForNetwork)})
	}
	if req.NumFailed < policy.MaxRetries-1 {
		failed := req.NumFailed + 1
		return w.patch(req.ID, store.Patch{
			Status:    statusPtr(store.StatusWaitingToRetry),
			NumFailed: &failed,
		})
	}
	return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusHttpDataError)})
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	}
	return false
}

// dispatchStatus is step 5. Returns redirected+newURI when the loop
// should restart, terminal=true when a status was persisted and Run
// should stop, or neither when resp (200/206) is ready for step 6.
func (w *Worker) dispatchStatus(req *store.Request, resp *http.Response, rangeStart int64) (redirected bool, newURI string, terminal bool, err error) {
	switch {
	case resp.StatusCode == http.StatusOK && rangeStart > 0:
		resp.Body.Close()
		if req.FilePath != "" {
			os.Remove(req.FilePath)
		}
		return false, "", true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusCannotResume)})

	case resp.StatusCode == http.StatusPartialContent && rangeStart == 0:
		resp.Body.Close()
		return false, "", true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusUnhandledHttpCode)})

	case isRedirectStatus(resp.StatusCode):
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if req.RedirectCount >= 5 {
			return false, "", true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusTooManyRedirects)})
		}
		base, perr := url.Parse(resp.Request.URL.String())
		if perr != nil {
			return false, "", true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusHttpDataError)})
		}
		target, perr := base.Parse(loc)
		if perr != nil {
			return false, "", true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusHttpDataError)})
		}
		newCount := req.RedirectCount + 1
		patch := store.Patch{RedirectCount: &newCount}
		if resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusSeeOther {
			s := target.String()
			patch.SourceURI = &s
		}
		if err := w.patch(req.ID, patch); err != nil {
			return false, "", true, err
		}
		req.RedirectCount = newCount
		return true, target.String(), false, nil

	case resp.StatusCode == http.StatusServiceUnavailable && req.NumFailed < policy.MaxRetries:
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()
		secs, _ := strconv.Atoi(strings.TrimSpace(retryAfter))
		delay := policy.ClampRetryAfter(secs, w.deps.Rand)
		ms := delay.Milliseconds()
		failed := req.NumFailed + 1
		return false, "", true, w.patch(req.ID, store.Patch{
			Status:       statusPtr(store.StatusWaitingToRetry),
			RetryAfterMs: &ms,
			NumFailed:    &failed,
		})

	case resp.StatusCode >= 400:
		resp.Body.Close()
		return false, "", true, w.patch(req.ID, store.Patch{Status: statusPtr(store.Status(resp.StatusCode))})

	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return false, "", false, nil

	default:
		resp.Body.Close()
		return false, "", true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusUnhandledHttpCode)})
	}
}

// receiveBody runs steps 6 through 11 against a 200/206 response.
func (w *Worker) receiveBody(ctx context.Context, req *store.Request, resp *http.Response, rangeStart int64, ifMatch string, firstAttempt bool, currentURI string, cancelCheck CancelCheck) error {
	defer resp.Body.Close()

	// Step 6: response headers.
	etag := resp.Header.Get("ETag")
	contentType := resp.Header.Get("Content-Type")
	chunked := false
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			chunked = true
		}
	}

	var totalBytes int64 = -1
	if !chunked {
		if resp.ContentLength >= 0 {
			totalBytes = rangeStart + resp.ContentLength
		} else if !req.NoIntegrity {
			return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusHttpDataError)})
		}
	}

	filePath := req.FilePath
	if firstAttempt {
		path, err := w.deps.NameAlloc.Allocate(req.DestDir, nameallocator.Hints{
			Hint:               req.HintName,
			URL:                currentURI,
			ContentDisposition: resp.Header.Get("Content-Disposition"),
			ContentLocation:    resp.Header.Get("Content-Location"),
			MimeType:           contentType,
		})
		if err != nil {
			return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusFileError)})
		}
		filePath = path
		patch := store.Patch{FilePath: &filePath, MimeType: &contentType, TotalBytes: &totalBytes}
		if etag != "" {
			patch.ETag = &etag
		}
		if err := w.patch(req.ID, patch); err != nil {
			return err
		}
		req.FilePath = filePath
		req.MimeType = contentType
		req.TotalBytes = totalBytes
		if etag != "" {
			req.ETag = etag
		}
	} else if etag != "" && etag != ifMatch {
		patch := store.Patch{ETag: &etag}
		_ = w.patch(req.ID, patch)
		req.ETag = etag
	}

	// Step 8: reconnectivity check now that total_bytes is known.
	env := w.deps.Env.Snapshot()
	decision := policy.Evaluate(*req, env, w.deps.Env.NowWallMs(), w.deps.Rand)
	if decision.Kind == policy.KindWaitNetwork {
		status := store.StatusWaitingForNetwork
		if decision.RequiredNetwork == policy.RequiredUnmetered && env.Connected {
			status = store.StatusQueuedForWifi
		}
		return w.patch(req.ID, store.Patch{Status: statusPtr(status)})
	}

	if err := w.deps.SpaceManager.EnsureFree(filePath, estimateRemaining(totalBytes, req.CurrentBytes), spacemanager.PartitionData); err != nil {
		return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusInsufficientSpace)})
	}

	flags := os.O_CREATE | os.O_WRONLY
	if rangeStart > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(filePath, flags, 0o644)
	if err != nil {
		return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusFileError)})
	}
	defer file.Close()

	if term, err := w.streamLoop(ctx, req, resp, file, cancelCheck); term {
		return err
	}

	// Step 10: end of stream.
	if totalBytes != -1 && req.CurrentBytes != totalBytes {
		resumable := req.ETag != "" || req.NoIntegrity
		if resumable {
			failed := req.NumFailed + 1
			return w.patch(req.ID, store.Patch{
				Status:    statusPtr(store.StatusWaitingToRetry),
				NumFailed: &failed,
			})
		}
		return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusCannotResume)})
	}

	patch := store.Patch{}
	if totalBytes == -1 {
		tb := req.CurrentBytes
		patch.TotalBytes = &tb
	}

	// Step 11: finalize.
	if err := file.Sync(); err != nil {
		return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusFileError)})
	}
	_ = file.Chmod(0o644)

	if req.ExpectedHash != "" && w.deps.Verifier != nil {
		if verr := w.deps.Verifier.Verify(filePath, req.HashAlgorithm, req.ExpectedHash); verr != nil {
			os.Remove(filePath)
			return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusHttpDataError)})
		}
	}

	if w.deps.Scanner != nil {
		if serr := w.deps.Scanner.ScanFile(ctx, filePath); serr != nil {
			if w.deps.Logger != nil {
				w.deps.Logger.Warn("worker: scan rejected file", "id", req.ID, "scanner", w.deps.Scanner.Name(), "error", serr)
			}
			os.Remove(filePath)
			return w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusFileError)})
		}
	}

	if w.deps.Stats != nil {
		w.deps.Stats.TrackFileCompleted()
		w.deps.Stats.TrackDownloadBytes(req.CurrentBytes)
	}

	s := store.StatusSuccess
	patch.Status = &s
	if req.NumFailed != 0 {
		zero := 0
		patch.NumFailed = &zero
	}
	return w.patch(req.ID, patch)
}

func estimateRemaining(totalBytes, currentBytes int64) int64 {
	if totalBytes < 0 {
		return 0
	}
	remaining := totalBytes - currentBytes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// streamLoop is step 9: the buffered-copy loop, generalized from the
// donor's downloadPart into a single stream with no parts, pacing
// through BandwidthManager and throttling Store progress writes to
// Δbytes>4096 && Δtime>1500ms.
func (w *Worker) streamLoop(ctx context.Context, req *store.Request, resp *http.Response, file *os.File, cancelCheck CancelCheck) (terminal bool, err error) {
	buf := make([]byte, BufferSize)
	lastFlush := time.Now()
	lastBytes := req.CurrentBytes
	windowStart := lastFlush
	windowBytes := int64(0)

	for {
		if sig := cancelCheck(); sig.Shutdown {
			return true, ErrShutdownRequested
		} else if sig.Deleted {
			return true, w.cancelDeleted(req)
		} else if sig.Paused {
			return true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusPausedByApp)})
		}

		if w.deps.Bandwidth != nil {
			if err := w.deps.Bandwidth.Wait(ctx, fmt.Sprintf("%d", req.ID), len(buf)); err != nil {
				return true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusWaitingToRetry)})
			}
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				if recoverErr := w.deps.SpaceManager.Reclaim(int64(n)); recoverErr == nil {
					if _, werr2 := file.Write(buf[:n]); werr2 == nil {
						werr = nil
					}
				}
				if werr != nil {
					if errors.Is(werr, os.ErrNotExist) {
						return true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusDeviceNotFound)})
					}
					if errors.Is(werr, spacemanager.ErrInsufficientSpace) {
						return true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusInsufficientSpace)})
					}
					return true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusFileError)})
				}
			}
			req.CurrentBytes += int64(n)
			windowBytes += int64(n)

			now := time.Now()
			if req.CurrentBytes-lastBytes > 4096 && now.Sub(lastFlush) > 1500*time.Millisecond {
				cb := req.CurrentBytes
				if err := w.patch(req.ID, store.Patch{CurrentBytes: &cb}); err != nil {
					return true, err
				}
				if w.deps.Progress != nil {
					elapsed := now.Sub(windowStart).Seconds()
					var bps float64
					if elapsed > 0 {
						bps = float64(windowBytes) / elapsed
					}
					w.deps.Progress(req.ID, req.CurrentBytes, bps)
				}
				lastBytes = req.CurrentBytes
				lastFlush = now
				windowStart = now
				windowBytes = 0
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				cb := req.CurrentBytes
				_ = w.patch(req.ID, store.Patch{CurrentBytes: &cb})
				return false, nil
			}
			// A mid-stream read failure is the same transient-vs-terminal
			// fork as step 10's short read: retry if the request is
			// resumable, otherwise it can never be completed.
			cb := req.CurrentBytes
			_ = w.patch(req.ID, store.Patch{CurrentBytes: &cb})
			if req.ETag != "" || req.NoIntegrity {
				failed := req.NumFailed + 1
				return true, w.patch(req.ID, store.Patch{
					Status:    statusPtr(store.StatusWaitingToRetry),
					NumFailed: &failed,
				})
			}
			return true, w.patch(req.ID, store.Patch{Status: statusPtr(store.StatusCannotResume)})
		}
	}
}
