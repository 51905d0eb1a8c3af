package engine

import (
	"fmt"
	"os"

	"downloadengine/internal/store"
)

// SubmitRequest is the caller-supplied half of a store.Request: the
// fields a third-party client actually chooses, mirrored field-for-field
// from store.Request per spec.md's Request type, generalizing the
// donor's StartDownload(urlStr, destPath, customFilename, options).
type SubmitRequest struct {
	Owner     string
	UID       int64
	SourceURI string
	HintName  string
	Referer   string
	Cookies   string
	UserAgent string

	DestinationClass store.DestinationClass
	DestDir          string

	NoIntegrity bool

	Visibility store.Visibility

	AllowedNetworkTypes        store.AllowedNetworkTypes
	AllowRoaming               bool
	AllowMetered               bool
	BypassRecommendedSizeLimit bool
	Flags                      store.NetworkFlags

	ExpectedHash  string
	HashAlgorithm string

	// Headers seeds the request's ordered custom header set via
	// Store.SetHeaders, in insertion order.
	Headers []store.RequestHeader
}

// Submit validates and persists a new request, returning its assigned
// id. The row starts Pending/ControlRun; the Scheduler's next
// reconciliation (triggered by the Store's insert notification) picks it
// up on its own.
func (e *Engine) Submit(req SubmitRequest) (int64, error) {
	if req.SourceURI == "" {
		return 0, fmt.Errorf("engine: submit requires a non-empty source URI")
	}
	if req.AllowedNetworkTypes == 0 {
		req.AllowedNetworkTypes = store.NetworkWifi | store.NetworkMobile | store.NetworkEthernet
	}

	row := &store.Request{
		Owner:                      req.Owner,
		UID:                        req.UID,
		SourceURI:                  req.SourceURI,
		HintName:                   req.HintName,
		Referer:                    req.Referer,
		Cookies:                    req.Cookies,
		UserAgent:                  req.UserAgent,
		DestinationClass:           req.DestinationClass,
		DestDir:                    req.DestDir,
		TotalBytes:                 -1,
		NoIntegrity:                req.NoIntegrity,
		Status:                     store.StatusPending,
		Control:                    store.ControlRun,
		Visibility:                 req.Visibility,
		AllowedNetworkTypes:        req.AllowedNetworkTypes,
		AllowRoaming:               req.AllowRoaming,
		AllowMetered:               req.AllowMetered,
		BypassRecommendedSizeLimit: req.BypassRecommendedSizeLimit,
		Flags:                      req.Flags,
		ExpectedHash:               req.ExpectedHash,
		HashAlgorithm:              req.HashAlgorithm,
	}

	id, err := e.store.Insert(row)
	if err != nil {
		e.audit.Log(req.Owner, "submit", 500, err.Error())
		return 0, err
	}

	if len(req.Headers) > 0 {
		if err := e.store.SetHeaders(id, req.Headers); err != nil {
			e.audit.Log(req.Owner, "submit", 500, err.Error())
			return id, err
		}
	}

	e.audit.Log(req.Owner, "submit", 200, req.SourceURI)
	return id, nil
}

// Cancel soft-deletes a request: a running Worker is signaled to stop at
// its next checkpoint and the Scheduler finalizes the row's hard delete
// once it is no longer running, per SPEC_FULL.md §4.7's delete-while-
// running handling.
func (e *Engine) Cancel(id int64) error {
	deleted := true
	err := e.store.Update(id, store.Patch{Deleted: &deleted})
	status := 200
	if err != nil {
		status = 500
	}
	e.audit.Log("", "cancel", status, fmt.Sprintf("id=%d", id))
	return err
}

// Pause sets a request's Control to Paused. A running Worker is signaled
// to stop and persists StatusPausedByApp at its next checkpoint; a
// non-running request is simply excluded from the next candidate set.
func (e *Engine) Pause(id int64) error {
	paused := store.ControlPaused
	err := e.store.Update(id, store.Patch{Control: &paused})
	status := 200
	if err != nil {
		status = 500
	}
	e.audit.Log("", "pause", status, fmt.Sprintf("id=%d", id))
	return err
}

// Resume sets a request's Control back to Run and, if it is currently
// sitting in a waiting status, moves it back to Pending so Policy
// re-evaluates it immediately rather than waiting out a stale backoff.
func (e *Engine) Resume(id int64) error {
	row, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("engine: resume: request %d not found", id)
	}

	run := store.ControlRun
	patch := store.Patch{Control: &run}
	if row.Status.IsWaiting() {
		pending := store.StatusPending
		patch.Status = &pending
	}
	err = e.store.Update(id, patch)
	status := 200
	if err != nil {
		status = 500
	}
	e.audit.Log(row.Owner, "resume", status, fmt.Sprintf("id=%d", id))
	return err
}

// Filter narrows Query's result set. A zero Filter returns every active
// request. Owner, when non-empty, restricts to that owner's rows;
// Status, when non-nil, restricts to that exact status.
type Filter struct {
	Owner  string
	Status *store.Status
}

// Query lists active (non-deleted) requests matching filter.
func (e *Engine) Query(filter Filter) ([]store.Request, error) {
	rows, err := e.store.ListActive()
	if err != nil {
		return nil, err
	}
	if filter.Owner == "" && filter.Status == nil {
		return rows, nil
	}
	out := make([]store.Request, 0, len(rows))
	for _, r := range rows {
		if filter.Owner != "" && r.Owner != filter.Owner {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Open returns a read stream over a request's completed (or in-progress)
// destination file, per spec.md's `open(id) -> read_stream`. Callers
// must Close the returned file.
func (e *Engine) Open(id int64) (*os.File, error) {
	row, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("engine: open: request %d not found", id)
	}
	if row.FilePath == "" {
		return nil, fmt.Errorf("engine: open: request %d has no destination file yet", id)
	}
	f, err := os.Open(row.FilePath)
	if err != nil {
		e.audit.Log(row.Owner, "open", 500, err.Error())
		return nil, err
	}
	e.audit.Log(row.Owner, "open", 200, row.FilePath)
	return f, nil
}
