package clockenv

import "sync"

// FakeEnv is a deterministic Env for tests: wall/monotonic clocks and the
// Snapshot are all set directly rather than sampled from the OS.
type FakeEnv struct {
	mu       sync.Mutex
	wallMs   int64
	monoMs   int64
	snapshot Snapshot
}

// NewFakeEnv starts a FakeEnv connected on Wifi, unmetered, charging and
// idle — the common "everything is allowed" starting point for tests
// that then dial in the specific constraint they want to exercise.
func NewFakeEnv() *FakeEnv {
	return &FakeEnv{
		snapshot: Snapshot{
			Connected:  true,
			ActiveKind: NetworkWifi,
			Charging:   true,
			Idle:       true,
		},
	}
}

func (f *FakeEnv) NowWallMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wallMs
}

func (f *FakeEnv) NowMonotonicMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monoMs
}

func (f *FakeEnv) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

// Advance moves both clocks forward by ms.
func (f *FakeEnv) Advance(ms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallMs += ms
	f.monoMs += ms
}

// SetSnapshot replaces the current networking/power snapshot.
func (f *FakeEnv) SetSnapshot(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = s
}
