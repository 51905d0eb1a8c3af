// Package notifier subscribes to Store changes and Worker speed
// publications and clusters requests into surfaced notification items,
// per SPEC_FULL.md §4.8. Grounded on the donor's logger.go fanout
// pattern (one handler republishing records onto a callback instead of
// a GUI bridge) and executor.go's progress ticker (sampling bytes/sec
// and emitting a live progress event every tick), generalized from "one
// event per task" into "one event per cluster tag", since the spec
// requires Active/Waiting rows for the same owner to collapse into a
// single surfaced item rather than one notification per row.
package notifier

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"downloadengine/internal/store"
)

// Category is the closed set of clusters the Notifier surfaces.
type Category int

const (
	CategoryActive Category = iota
	CategoryWaiting
	CategoryComplete
)

func (c Category) String() string {
	switch c {
	case CategoryActive:
		return "active"
	case CategoryWaiting:
		return "waiting"
	case CategoryComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Action is one user-actionable command surfaced alongside an Update,
// e.g. pause, cancel, retry, open.
type Action struct {
	Label   string
	Command string
}

// Update is one cluster's current notification content. Progress and
// ETAMs are nil when indeterminate (any contributing row has an unknown
// total_bytes, or no contributing row has a known speed yet).
type Update struct {
	Tag          string
	Title        string
	Detail       string
	Progress     *float64
	ETAMs        *int64
	Actions      []Action
	FirstShownAt int64 // wall-clock ms, stable across updates to the same tag
}

// NowFunc lets tests inject a deterministic clock for FirstShownAt.
type NowFunc func() int64

// Notifier is the serialized reconciler of SPEC_FULL.md §4.8: one
// change-event stream in, one stream of per-tag Updates out. It is the
// only mutator of its own active-notification map, per §5's "Active-
// notif map: owned by Notifier; only Notifier mutates it."
type Notifier struct {
	store *store.Store
	nowFn NowFunc

	mu         sync.Mutex
	speeds     map[int64]float64
	firstShown map[string]int64
	sink       func(Update)

	unsubscribe func()
}

// New constructs a Notifier. Call SetSink before Start to receive
// Updates; Updates published before a sink is installed are dropped,
// matching the donor's fanout-handler convention.
func New(s *store.Store) *Notifier {
	return &Notifier{
		store:      s,
		nowFn:      func() int64 { return time.Now().UnixMilli() },
		speeds:     make(map[int64]float64),
		firstShown: make(map[string]int64),
	}
}

// SetNowFunc overrides the clock used for FirstShownAt, for tests.
func (n *Notifier) SetNowFunc(fn NowFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nowFn = fn
}

// SetSink installs the callback Updates are republished through.
func (n *Notifier) SetSink(sink func(Update)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sink = sink
}

// UpdateSpeed records a request's current bytes/sec, consumed by the
// next reconciliation's ETA calculation. Call it from a
// worker.ProgressFunc closure, which also receives currentBytes.
func (n *Notifier) UpdateSpeed(id int64, bytesPerSec float64) {
	n.mu.Lock()
	n.speeds[id] = bytesPerSec
	n.mu.Unlock()
}

// Start subscribes to Store changes and begins reconciling on its own
// serialized task, coalescing bursts of changes into a single pass.
func (n *Notifier) Start(ctx context.Context) {
	changes, cancel := n.store.Observe()
	n.unsubscribe = cancel

	pending := make(chan struct{}, 1)
	go func() {
		for range changes {
			select {
			case pending <- struct{}{}:
			default:
			}
		}
	}()

	go func() {
		n.Reconcile()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
				n.Reconcile()
			}
		}
	}()
}

// Stop releases the Store subscription.
func (n *Notifier) Stop() {
	if n.unsubscribe != nil {
		n.unsubscribe()
	}
}

type clusterKey struct {
	category Category
	key      string
}

// Reconcile recomputes every cluster from the current Store snapshot
// and publishes one Update per tag. Exported so tests and a dedicated
// caller-owned ticker can drive it directly.
func (n *Notifier) Reconcile() {
	rows, err := n.store.ListActive()
	if err != nil {
		return
	}

	clusters := map[clusterKey][]store.Request{}
	activeIDs := map[int64]bool{}

	for _, row := range rows {
		switch {
		case row.Status == store.StatusRunning && row.Visibility != store.VisibilityHidden:
			k := clusterKey{CategoryActive, row.Owner}
			clusters[k] = append(clusters[k], row)
			activeIDs[row.ID] = true
		case isWaitingVisible(row):
			k := clusterKey{CategoryWaiting, row.Owner}
			clusters[k] = append(clusters[k], row)
		case isCompleteVisible(row):
			k := clusterKey{CategoryComplete, fmt.Sprintf("%d", row.ID)}
			clusters[k] = append(clusters[k], row)
		}
	}

	n.mu.Lock()
	for id := range n.speeds {
		if !activeIDs[id] {
			delete(n.speeds, id)
		}
	}
	n.mu.Unlock()

	seenTags := map[string]bool{}
	for k, clusterRows := range clusters {
		update := n.buildUpdate(k, clusterRows)
		seenTags[update.Tag] = true
		n.publish(update)
	}

	n.mu.Lock()
	for tag := range n.firstShown {
		if !seenTags[tag] {
			delete(n.firstShown, tag)
		}
	}
	n.mu.Unlock()
}

func isWaitingVisible(row store.Request) bool {
	if row.Visibility == store.VisibilityHidden {
		return false
	}
	return row.Status == store.StatusQueuedForWifi || row.Status == store.StatusWaitingForNetwork
}

func isCompleteVisible(row store.Request) bool {
	if !row.Status.IsTerminal() {
		return false
	}
	return row.Visibility == store.VisibilityVisibleNotifyComplete || row.Visibility == store.VisibilityVisibleNotifyCompleteOnly
}

func (n *Notifier) buildUpdate(k clusterKey, rows []store.Request) Update {
	var sumCurrent, sumTotal int64
	var sumSpeed float64
	indeterminate := false

	n.mu.Lock()
	for _, r := range rows {
		sumCurrent += r.CurrentBytes
		if r.TotalBytes < 0 {
			indeterminate = true
		} else {
			sumTotal += r.TotalBytes
		}
		if sp, ok := n.speeds[r.ID]; ok {
			sumSpeed += sp
		}
	}
	n.mu.Unlock()

	var progress *float64
	if !indeterminate && sumTotal > 0 {
		p := float64(sumCurrent) / float64(sumTotal)
		progress = &p
	}

	var etaMs *int64
	if sumSpeed > 0 && !indeterminate {
		remaining := sumTotal - sumCurrent
		if remaining < 0 {
			remaining = 0
		}
		ms := int64(float64(remaining) / sumSpeed * 1000)
		etaMs = &ms
	}

	tag := fmt.Sprintf("%s:%s", k.category, k.key)
	title, detail := n.describe(k.category, rows, sumCurrent, sumTotal, indeterminate)

	n.mu.Lock()
	first, ok := n.firstShown[tag]
	if !ok {
		first = n.nowFn()
		n.firstShown[tag] = first
	}
	n.mu.Unlock()

	return Update{
		Tag:          tag,
		Title:        title,
		Detail:       detail,
		Progress:     progress,
		ETAMs:        etaMs,
		Actions:      actionsFor(k.category, rows),
		FirstShownAt: first,
	}
}

func (n *Notifier) describe(cat Category, rows []store.Request, sumCurrent, sumTotal int64, indeterminate bool) (title, detail string) {
	switch cat {
	case CategoryActive:
		if len(rows) == 1 {
			title = nameOf(rows[0])
		} else {
			title = fmt.Sprintf("%d downloads", len(rows))
		}
		if indeterminate || sumTotal == 0 {
			detail = humanize.Bytes(uint64(sumCurrent))
		} else {
			detail = fmt.Sprintf("%s / %s", humanize.Bytes(uint64(sumCurrent)), humanize.Bytes(uint64(sumTotal)))
		}
	case CategoryWaiting:
		if len(rows) == 1 {
			title = nameOf(rows[0])
			detail = "waiting for network"
		} else {
			title = fmt.Sprintf("%d downloads waiting", len(rows))
			detail = "waiting for network"
		}
	case CategoryComplete:
		row := rows[0]
		title = nameOf(row)
		if row.Status == store.StatusSuccess {
			detail = fmt.Sprintf("Download complete, %s", humanize.Bytes(uint64(row.CurrentBytes)))
		} else {
			detail = fmt.Sprintf("Download failed (%d)", int(row.Status))
		}
	}
	return title, detail
}

func nameOf(r store.Request) string {
	if r.FilePath != "" {
		return filepath.Base(r.FilePath)
	}
	if r.HintName != "" {
		return r.HintName
	}
	return fmt.Sprintf("request %d", r.ID)
}

func actionsFor(cat Category, rows []store.Request) []Action {
	switch cat {
	case CategoryActive:
		return []Action{{Label: "Pause", Command: "pause"}}
	case CategoryWaiting:
		return []Action{{Label: "Cancel", Command: "cancel"}}
	case CategoryComplete:
		if len(rows) == 1 && rows[0].Status == store.StatusSuccess {
			return []Action{{Label: "Open", Command: "open"}}
		}
		return []Action{{Label: "Retry", Command: "retry"}}
	default:
		return nil
	}
}

func (n *Notifier) publish(u Update) {
	n.mu.Lock()
	sink := n.sink
	n.mu.Unlock()
	if sink != nil {
		sink(u)
	}
}
