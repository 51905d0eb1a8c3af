// Package policy is a pure function from a Request snapshot and an Env
// snapshot to a scheduling decision. It has no I/O and no dependency on
// the store or the scheduler, matching SPEC_FULL.md §4.5 and the
// "dynamic dispatch... tagged variants" design note: Decision is a closed
// tagged variant with no default branch anywhere it is switched on.
//
// Grounded on the donor's SmartScheduler.GetNextTask / CongestionController
// gating logic (queue/scheduler.go), generalized from "pick the next
// queue entry" into "decide this one request's fate", since the donor
// conflates scheduling order with runnability in one function where this
// spec requires them to be separate components.
package policy

import (
	"math/rand"
	"time"

	"downloadengine/internal/clockenv"
	"downloadengine/internal/store"
)

// Kind is the closed set of decisions Policy can reach.
type Kind int

const (
	KindRunNow Kind = iota
	KindDefer
	KindWaitNetwork
	KindPause
	KindSkip
)

// RequiredNetwork is the network category a RunNow/WaitNetwork decision
// requires, per SPEC_FULL.md §4.5's "Required network kind" table.
type RequiredNetwork int

const (
	RequiredAny RequiredNetwork = iota
	RequiredUnmetered
	RequiredNotRoaming
)

// Decision is the outcome of evaluating one request against one Env
// snapshot. Latency is meaningful only for KindDefer with Forever false;
// Forever marks Defer(∞), and Latency is then zero.
type Decision struct {
	Kind            Kind
	Latency         time.Duration
	Forever         bool
	RequiredNetwork RequiredNetwork
}

const (
	// RetryFirstDelay and the retry clamp bounds are the explicit
	// constants SPEC_FULL.md §9 requires be kept literal.
	RetryFirstDelay = 30 * time.Second
	MaxRetries      = 5
	MinRetryAfter   = 30 * time.Second
	MaxRetryAfter   = 86400 * time.Second
)

// Rand is injected so tests can get deterministic jitter, per §9's
// "Jitter uses a seeded RNG; tests must be able to inject determinism."
type Rand interface {
	Int63n(n int64) int64
}

type lockedRand struct{ r *rand.Rand }

func (l lockedRand) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return l.r.Int63n(n)
}

// NewSeededRand returns a Rand seeded deterministically, for tests.
func NewSeededRand(seed int64) Rand {
	return lockedRand{r: rand.New(rand.NewSource(seed))}
}

// Evaluate implements the first-match-wins decision table of
// SPEC_FULL.md §4.5 exactly.
func Evaluate(req store.Request, env clockenv.Snapshot, nowWallMs int64, rng Rand) Decision {
	// 1. control=Paused -> Pause.
	if req.Control == store.ControlPaused {
		return Decision{Kind: KindPause}
	}

	// 2. Status terminal -> Skip.
	if req.Status.IsTerminal() {
		return Decision{Kind: KindSkip}
	}

	// 3. WaitingToRetry backoff.
	if req.Status == store.StatusWaitingToRetry {
		backoff := backoffFor(req, rng)
		elapsed := time.Duration(nowWallMs-req.LastModified) * time.Millisecond
		if elapsed < backoff {
			return Decision{Kind: KindDefer, Latency: backoff - elapsed}
		}
	}

	// 4. DeviceNotFound on a file:// destination -> Defer(∞). Mount state
	// is not checked here; the status and destination class alone decide.
	if req.Status == store.StatusDeviceNotFound && req.DestinationClass == store.DestinationFileUri {
		return Decision{Kind: KindDefer, Forever: true}
	}

	// 5. Requires charging and !charging -> Defer(∞).
	if req.Flags&store.FlagRequiresCharging != 0 && !env.Charging {
		return Decision{Kind: KindDefer, Forever: true}
	}

	// 6. Requires idle and !idle -> Defer(∞).
	if req.Flags&store.FlagRequiresDeviceIdle != 0 && !env.Idle {
		return Decision{Kind: KindDefer, Forever: true}
	}

	// 7. Required network category not currently available -> WaitNetwork.
	required := RequiredNetworkKind(req, env)
	if !networkAvailable(required, env) {
		return Decision{Kind: KindWaitNetwork, RequiredNetwork: required}
	}

	// 8. Otherwise RunNow.
	return Decision{Kind: KindRunNow, RequiredNetwork: required}
}

// backoffFor computes the WaitingToRetry delay: retry_after_ms if set,
// else RETRY_FIRST_DELAY * 2^(num_failed-1), clamped, plus jitter up to
// half the computed delay.
func backoffFor(req store.Request, rng Rand) time.Duration {
	var base time.Duration
	if req.RetryAfterMs > 0 {
		base = time.Duration(req.RetryAfterMs) * time.Millisecond
	} else {
		exp := req.NumFailed - 1
		if exp < 0 {
			exp = 0
		}
		base = RetryFirstDelay * time.Duration(1<<uint(exp))
	}
	if base < MinRetryAfter {
		base = MinRetryAfter
	}
	if base > MaxRetryAfter {
		base = MaxRetryAfter
	}
	if rng != nil {
		jitterMax := base / 2
		if jitterMax > 0 {
			base += time.Duration(rng.Int63n(int64(jitterMax)))
		}
	}
	return base
}

// ClampRetryAfter applies the 503 Retry-After clamp and jitter rule of
// SPEC_FULL.md §4.3 step 5: clamp to [MIN_RETRY_AFTER, MAX_RETRY_AFTER],
// then add jitter in [0, MIN_RETRY_AFTER].
func ClampRetryAfter(seconds int, rng Rand) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d < MinRetryAfter {
		d = MinRetryAfter
	}
	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	if rng != nil {
		d += time.Duration(rng.Int63n(int64(MinRetryAfter)))
	}
	return d
}

// networkAvailable checks an already-derived required kind (see
// RequiredNetworkKind) against the live snapshot.
func networkAvailable(required RequiredNetwork, env clockenv.Snapshot) bool {
	if !env.Connected {
		return false
	}
	switch required {
	case RequiredUnmetered:
		return !env.Metered
	case RequiredNotRoaming:
		return !env.Roaming
	default:
		return true
	}
}

// RequiredNetworkKind is the Env-aware "Required network kind"
// derivation of SPEC_FULL.md §4.5, used by Evaluate. Exposed separately
// so Workers (which need to recompute it once TotalBytes becomes known,
// per §4.3 step 8) can call it directly with a freshly observed request.
func RequiredNetworkKind(req store.Request, env clockenv.Snapshot) RequiredNetwork {
	switch {
	case !req.AllowMetered:
		return RequiredUnmetered
	case req.AllowedNetworkTypes == store.NetworkWifi:
		return RequiredUnmetered
	case env.MaxOverMobile > 0 && req.TotalBytes > env.MaxOverMobile:
		return RequiredUnmetered
	case env.RecommendedOverMobile > 0 && req.TotalBytes > env.RecommendedOverMobile && !req.BypassRecommendedSizeLimit:
		return RequiredUnmetered
	case !req.AllowRoaming:
		return RequiredNotRoaming
	default:
		return RequiredAny
	}
}
