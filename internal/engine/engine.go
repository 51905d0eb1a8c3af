// Package engine wires every capability into one aggregate, per
// SPEC_FULL.md §6.1's "Global mutable state" design note: Store,
// Clock/Env, NameAllocator, SpaceManager, Scheduler, Notifier, and the
// Idle Reaper all live as fields on one Engine constructed once at
// startup; the HttpClient is held by the Worker field. There are no package-level singletons
// anywhere in this module.
//
// Grounded on the donor's TachyonEngine/NewEngine (engine/manager.go):
// the same assembly of an HTTP transport, bandwidth manager, allocator,
// verifier, and congestion controller into one struct, generalized from
// a queue.DownloadQueue/SmartScheduler pull-loop into the Scheduler's
// reconciliation loop, and from Wails-event emission into a plain Go
// library API (engine/downloads.go's StartDownload/PauseDownload/...),
// renamed to the spec's submit/cancel/pause/resume/query/open surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"downloadengine/internal/analytics"
	"downloadengine/internal/clockenv"
	"downloadengine/internal/config"
	"downloadengine/internal/idlereaper"
	"downloadengine/internal/integrity"
	"downloadengine/internal/logger"
	"downloadengine/internal/nameallocator"
	"downloadengine/internal/network"
	"downloadengine/internal/notifier"
	"downloadengine/internal/policy"
	"downloadengine/internal/scheduler"
	"downloadengine/internal/security"
	"downloadengine/internal/spacemanager"
	"downloadengine/internal/store"
	"downloadengine/internal/worker"
)

// Config selects every externally-decided knob an Engine needs at
// construction time. Fields left zero get built-in defaults, described
// per field below; MAX_CONCURRENT and the mobile thresholds come from the
// settings table (internal/config), not from Config.
type Config struct {
	// DBPath is passed to store.Open verbatim; ":memory:" for tests.
	DBPath string

	// AppName names the UserConfigDir subdirectory internal/logger and
	// internal/security write under.
	AppName string

	// Env overrides the connectivity/power snapshot source; nil selects
	// a real clockenv.SystemEnv.
	Env clockenv.Env

	// Client overrides the Worker's transport; nil selects a real
	// connection-reused http.Client with redirect-following disabled
	// (the Worker handles 3xx itself).
	Client worker.HTTPDoer

	// Logger overrides the structured logger; nil builds one via
	// internal/logger.New(AppName, os.Stderr).
	Logger *slog.Logger

	// FreeCache is the optional external "make room" capability handed
	// to spacemanager.Manager; nil means ensure_free skips straight to
	// cache eviction on shortfall.
	FreeCache spacemanager.FreeCacheFunc
}

// Engine is the single aggregate a caller constructs once. Every method
// is safe for concurrent use; the Scheduler's reconciliation loop is the
// only place request state actually changes hands.
type Engine struct {
	store     *store.Store
	env       clockenv.Env
	config    *config.Manager
	nameAlloc *nameallocator.Allocator
	space     *spacemanager.Manager
	worker    *worker.Worker
	scheduler *scheduler.Scheduler
	notifier  *notifier.Notifier
	reaper    *idlereaper.Reaper
	audit     *security.AuditLogger
	stats     *analytics.Manager
	logEvents *logger.EventHandler
	logger    *slog.Logger

	cancel context.CancelFunc
}

// New assembles an Engine from cfg and starts its background loops
// (Scheduler reconciliation, Notifier coalescing, Idle Reaper ticker).
// Call Shutdown to stop them and release the database handle.
func New(cfg Config) (*Engine, error) {
	if cfg.AppName == "" {
		cfg.AppName = "downloadengine"
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var logEvents *logger.EventHandler
	slogger := cfg.Logger
	if slogger == nil {
		var err error
		slogger, logEvents, err = logger.New(cfg.AppName, os.Stderr)
		if err != nil {
			slogger = slog.New(slog.NewTextHandler(os.Stderr, nil))
		}
	}

	cfgMgr := config.New(s)

	env := cfg.Env
	if env == nil {
		env = clockenv.NewSystemEnv(cfgMgr.GetMaxOverMobile(), cfgMgr.GetRecommendedOverMobile())
	}

	client := cfg.Client
	if client == nil {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		client = &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	nameAlloc := nameallocator.New(time.Now().UnixNano())
	bandwidth := network.NewBandwidthManager()
	if limit := cfgMgr.GetGlobalBandwidthLimit(); limit > 0 {
		bandwidth.SetLimit(int(limit))
	}
	congestion := network.NewCongestionController(1, cfgMgr.GetMaxConcurrent()*8)
	verifier := integrity.NewFileVerifier()

	spaceMgr := spacemanager.New(s, cfg.FreeCache, s.Delete)

	n := notifier.New(s)

	stats := analytics.New(s, func() (string, error) {
		dir, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, cfg.AppName), nil
	})

	scanner := security.NewScanner(slogger)

	w := worker.New(worker.Deps{
		Store:            s,
		NameAlloc:        nameAlloc,
		SpaceManager:     spaceMgr,
		Env:              env,
		Bandwidth:        bandwidth,
		Client:           client,
		Logger:           slogger,
		Rand:             policy.NewSeededRand(time.Now().UnixNano()),
		DefaultUserAgent: cfgMgr.GetUserAgent(),
		Scanner:          scanner,
		Stats:            stats,
		Verifier:         verifier,
		Progress: func(id int64, currentBytes int64, bytesPerSec float64) {
			n.UpdateSpeed(id, bytesPerSec)
			stats.UpdateDownloadSpeed(int64(bytesPerSec))
		},
	})

	sched := scheduler.New(s, env, w, cfgMgr.GetMaxConcurrent(), policy.NewSeededRand(time.Now().UnixNano()), slogger, congestion)

	reaper := idlereaper.New(s, idlereaper.DefaultStaleAge, slogger)

	audit := security.NewAuditLogger(slogger, cfg.AppName)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:     s,
		env:       env,
		config:    cfgMgr,
		nameAlloc: nameAlloc,
		space:     spaceMgr,
		worker:    w,
		scheduler: sched,
		notifier:  n,
		reaper:    reaper,
		audit:     audit,
		stats:     stats,
		logEvents: logEvents,
		logger:    slogger,
		cancel:    cancel,
	}

	sched.Start(ctx)
	n.Start(ctx)
	go reaper.RunPeriodically(ctx, 30*time.Minute)

	return e, nil
}

// Shutdown stops the Scheduler (which itself stops every running Worker
// and marks its row WaitingToRetry), the Notifier and Idle Reaper loops,
// checkpoints the WAL, and closes the database handle.
func (e *Engine) Shutdown() error {
	e.scheduler.Shutdown()
	e.notifier.Stop()
	e.cancel()
	if err := e.store.Checkpoint(); err != nil {
		e.logger.Error("engine: checkpoint failed", "error", err)
	}
	e.audit.Close()
	return e.store.Close()
}

// SetNotifySink installs the callback that receives every published
// Notifier Update, e.g. to surface progress through a host UI.
func (e *Engine) SetNotifySink(sink func(notifier.Update)) {
	e.notifier.SetSink(sink)
}

// SetLogSink installs the callback that receives every structured log
// record emitted through the engine's logger, e.g. to surface
// diagnostics through a host UI. A no-op if the caller supplied their
// own Logger in Config (logEvents is only built by internal/logger.New).
func (e *Engine) SetLogSink(sink func(logger.Entry)) {
	if e.logEvents != nil {
		e.logEvents.SetSink(sink)
	}
}

// Config exposes the engine's typed settings accessor, e.g. for a
// caller building a settings screen over GetMaxConcurrent/SetUserAgent.
func (e *Engine) Config() *config.Manager {
	return e.config
}

// Stats exposes lifetime/daily transfer totals and current aggregate
// throughput, e.g. for a caller building a usage dashboard.
func (e *Engine) Stats() *analytics.Manager {
	return e.stats
}
