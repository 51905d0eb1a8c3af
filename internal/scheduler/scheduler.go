// Package scheduler reconciles the Store's active rows against running
// Workers, per SPEC_FULL.md §4.7: an in-memory id -> Slot map, a
// MAX_CONCURRENT cap, and a single serialized reconciliation pass driven
// by one event loop (StoreChanged | WorkerDone | Timer | Shutdown).
//
// Grounded on the donor's queue.DownloadQueue/SmartScheduler (ordering,
// per-host limiting, GetNextTask's cap check) and engine/executor.go's
// queueWorker dispatch loop, generalized from a condvar-signaled queue
// into the spec's single-channel event loop and from "pop the queue"
// into "recompute the whole active set every time", since requests can
// change out from under the queue in ways a simple FIFO pop cannot
// express (pause, resume, policy re-evaluation, deletion).
package scheduler

import (
	"context"
	"log/slog"
	neturl "net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"downloadengine/internal/clockenv"
	"downloadengine/internal/network"
	"downloadengine/internal/policy"
	"downloadengine/internal/store"
	"downloadengine/internal/worker"
)

// WorkerRunner is the single-attempt Worker contract the Scheduler
// drives; internal/worker.Worker satisfies it.
type WorkerRunner interface {
	Run(ctx context.Context, id int64, cancelCheck worker.CancelCheck) error
}

// signalBox lets the reconciliation pass hand a running Worker's
// goroutine a stop signal without either side blocking on the other.
type signalBox struct {
	mu  sync.Mutex
	sig worker.CancelSignal
}

func (b *signalBox) set(s worker.CancelSignal) {
	b.mu.Lock()
	b.sig = s
	b.mu.Unlock()
}

func (b *signalBox) get() worker.CancelSignal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sig
}

// Slot is the Scheduler's per-request bookkeeping. Handle is a fresh
// opaque id minted each time the slot's Worker actually runs, so log
// lines can refer to one attempt unambiguously even
// when a request is retried under the same database id.
type Slot struct {
	Snapshot   store.Request
	Handle     string
	running    bool
	cancelSig  *signalBox
	cancelFunc context.CancelFunc
	done       chan struct{}
	nextWakeAt int64 // wall-clock ms; 0 = none
}

type eventKind int

const (
	eventStoreChanged eventKind = iota
	eventWorkerDone
	eventTimer
	eventShutdown
)

type event struct {
	kind eventKind
	id   int64
}

// Scheduler owns the id -> Slot map and the single reconciliation loop.
type Scheduler struct {
	store         *store.Store
	env           clockenv.Env
	rng           policy.Rand
	runner        WorkerRunner
	logger        *slog.Logger
	congestion    *network.CongestionController
	maxConcurrent int

	mu     sync.Mutex
	slots  map[int64]*Slot
	active int
	timer  *time.Timer

	rootCtx     context.Context
	events      chan event
	unsubscribe func()
	doneCh      chan struct{}
}

// New constructs a Scheduler. congestion may be nil; when present it
// records per-host outcomes, and reconcile skips a candidate whose host
// already has GetIdealConcurrency(host) Workers running. It never lets
// the total exceed maxConcurrent.
func New(s *store.Store, env clockenv.Env, runner WorkerRunner, maxConcurrent int, rng policy.Rand, logger *slog.Logger, congestion *network.CongestionController) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		store:         s,
		env:           env,
		runner:        runner,
		maxConcurrent: maxConcurrent,
		rng:           rng,
		logger:        logger,
		congestion:    congestion,
		slots:         make(map[int64]*Slot),
		events:        make(chan event, 256),
		doneCh:        make(chan struct{}),
	}
}

// Start subscribes to Store changes and begins the reconciliation loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.rootCtx = ctx
	changes, cancel := s.store.Observe()
	s.unsubscribe = cancel

	go func() {
		for c := range changes {
			s.enqueue(event{kind: eventStoreChanged, id: c.ID})
		}
	}()

	go s.loop()
	s.enqueue(event{kind: eventStoreChanged})
}

// Shutdown asks every running Worker to stop at its next checkpoint,
// waits for them, marks their rows WaitingToRetry without touching
// num_failed, and stops the loop. Blocks until drained.
func (s *Scheduler) Shutdown() {
	s.enqueue(event{kind: eventShutdown})
	<-s.doneCh
}

func (s *Scheduler) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.rootCtx.Done():
	}
}

func (s *Scheduler) loop() {
	for ev := range s.events {
		switch ev.kind {
		case eventStoreChanged, eventTimer:
			s.reconcile()
		case eventWorkerDone:
			s.handleWorkerDone(ev.id)
		case eventShutdown:
			s.handleShutdown()
			if s.unsubscribe != nil {
				s.unsubscribe()
			}
			close(s.doneCh)
			return
		}
	}
}

type runCandidate struct {
	id           int64
	lastModified int64
	host         string
}

// reconcile is the four-step pass from SPEC_FULL.md §4.7, run on the
// single loop goroutine so it never races itself.
func (s *Scheduler) reconcile() {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.store.ListActive()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("scheduler: list active failed", "error", err)
		}
		return
	}

	seen := make(map[int64]bool, len(rows))
	var candidates []runCandidate

	for _, row := range rows {
		seen[row.ID] = true
		slot, exists := s.slots[row.ID]
		if !exists {
			slot = &Slot{cancelSig: &signalBox{}}
			s.slots[row.ID] = slot
		}
		slot.Snapshot = row

		env := s.env.Snapshot()
		decision := policy.Evaluate(row, env, s.env.NowWallMs(), s.rng)

		if slot.running {
			// A row reaching here came straight from ListActive, which
			// already excludes deleted=true; a delete-while-running is
			// instead observed below as "tracked but no longer seen".
			stopNeeded := row.Control == store.ControlPaused ||
				decision.Kind == policy.KindWaitNetwork || decision.Kind == policy.KindPause
			if stopNeeded {
				slot.cancelSig.set(worker.CancelSignal{Paused: true})
			}
			continue
		}

		switch decision.Kind {
		case policy.KindRunNow:
			candidates = append(candidates, runCandidate{id: row.ID, lastModified: row.LastModified, host: requestHost(row.SourceURI)})
			slot.nextWakeAt = 0
		case policy.KindDefer:
			if decision.Forever {
				slot.nextWakeAt = 0
			} else {
				slot.nextWakeAt = s.env.NowWallMs() + decision.Latency.Milliseconds()
			}
		case policy.KindPause, policy.KindSkip, policy.KindWaitNetwork:
			slot.nextWakeAt = 0
		}
	}

	// A tracked slot missing from ListActive means its row was soft- or
	// hard-deleted. A running Worker gets told to stop at its next
	// checkpoint; a non-running slot is safe to finalize immediately,
	// so the row's hard delete (idempotent if already gone) happens
	// here rather than waiting on the Idle Reaper's sweep.
	for id, slot := range s.slots {
		if seen[id] {
			continue
		}
		if slot.running {
			slot.cancelSig.set(worker.CancelSignal{Deleted: true})
			continue
		}
		if err := s.store.Delete(id); err != nil && s.logger != nil {
			s.logger.Error("scheduler: finalize delete failed", "id", id, "error", err)
		}
		delete(s.slots, id)
	}

	// FIFO by (last_modified, id): no priority inversion, no preemption.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastModified != candidates[j].lastModified {
			return candidates[i].lastModified < candidates[j].lastModified
		}
		return candidates[i].id < candidates[j].id
	})

	hostActive := make(map[string]int, len(s.slots))
	if s.congestion != nil {
		for _, slot := range s.slots {
			if slot.running {
				hostActive[requestHost(slot.Snapshot.SourceURI)]++
			}
		}
	}

	for _, c := range candidates {
		if s.active >= s.maxConcurrent {
			break
		}
		if s.congestion != nil && c.host != "" {
			if hostActive[c.host] >= s.congestion.GetIdealConcurrency(c.host) {
				continue
			}
			hostActive[c.host]++
		}
		s.startWorkerLocked(c.id)
	}

	var earliest int64
	for _, slot := range s.slots {
		if slot.nextWakeAt == 0 {
			continue
		}
		if earliest == 0 || slot.nextWakeAt < earliest {
			earliest = slot.nextWakeAt
		}
	}
	s.armTimer(earliest)
}

// startWorkerLocked must be called with s.mu held.
func (s *Scheduler) startWorkerLocked(id int64) {
	slot, ok := s.slots[id]
	if !ok || slot.running {
		return
	}
	slot.running = true
	slot.Handle = uuid.NewString()
	s.active++

	ctx, cancel := context.WithCancel(s.rootCtx)
	slot.cancelFunc = cancel
	done := make(chan struct{})
	slot.done = done

	runner := s.runner
	cancelSig := slot.cancelSig
	congestion := s.congestion
	host := requestHost(slot.Snapshot.SourceURI)
	handle := slot.Handle
	logger := s.logger

	go func() {
		defer close(done)
		start := time.Now()
		err := runner.Run(ctx, id, cancelSig.get)
		if logger != nil {
			logger.Debug("scheduler: worker attempt finished", "request_id", id, "handle", handle, "error", err)
		}
		if congestion != nil && host != "" {
			congestion.RecordOutcome(host, time.Since(start), err)
		}
		s.enqueue(event{kind: eventWorkerDone, id: id})
	}()
}

func (s *Scheduler) handleWorkerDone(id int64) {
	s.mu.Lock()
	if slot, ok := s.slots[id]; ok {
		slot.running = false
		slot.cancelFunc = nil
		s.active--
	}
	s.mu.Unlock()
	s.reconcile()
}

func (s *Scheduler) handleShutdown() {
	s.mu.Lock()
	var waiting []*Slot
	for _, slot := range s.slots {
		if slot.running {
			slot.cancelSig.set(worker.CancelSignal{Shutdown: true})
			waiting = append(waiting, slot)
		}
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	for _, slot := range waiting {
		<-slot.done
	}

	status := store.StatusWaitingToRetry
	for _, slot := range waiting {
		_ = s.store.Update(slot.Snapshot.ID, store.Patch{Status: &status})
	}
}

func (s *Scheduler) armTimer(earliestWallMs int64) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if earliestWallMs == 0 {
		return
	}
	delay := time.Duration(earliestWallMs-s.env.NowWallMs()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, func() {
		s.enqueue(event{kind: eventTimer})
	})
}

// Snapshot returns a point-in-time copy of every slot the Scheduler
// currently tracks, for diagnostics/tests.
func (s *Scheduler) Snapshot() map[int64]Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]Slot, len(s.slots))
	for id, slot := range s.slots {
		out[id] = *slot
	}
	return out
}

func requestHost(rawURL string) string {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
