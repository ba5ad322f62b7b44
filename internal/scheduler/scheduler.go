// Package scheduler drives account pipeline runs on two cadences: a
// periodic full sweep of every monitored account, and a faster dirty-
// watcher pass over accounts flagged for immediate attention. Both are
// ticker-driven background loops grounded on the teacher's
// internal/node/retry_worker.go run() (two tickers, context cancellation)
// and internal/swap/monitor.go's checkAllSwaps (snapshot the work list
// under a lock, then iterate it unlocked, isolating one item's failure
// from its siblings).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/ledger-engine/internal/eventstream"
	"github.com/klingon-exchange/ledger-engine/internal/pipeline"
	"github.com/klingon-exchange/ledger-engine/internal/storage"
	"github.com/klingon-exchange/ledger-engine/pkg/logging"
)

// PipelineRunner is the subset of *pipeline.Runner the scheduler needs,
// narrowed to an interface so tests can substitute a fake without standing
// up a full RPC client and discovery source.
type PipelineRunner interface {
	Run(ctx context.Context, account string) error
	CancelAll()
}

// Config controls the scheduler's two polling cadences and how many
// accounts may be reconstructed concurrently.
type Config struct {
	PeriodicInterval   time.Duration // default 5m
	DirtyWatchInterval time.Duration // default 5s
	MaxConcurrency     int           // default 4

	// Events, if non-nil, receives a pipeline_run_completed/_failed
	// broadcast after every account's Run call. Optional; a nil Hub
	// means runEach simply skips broadcasting.
	Events *eventstream.Hub
}

var _ PipelineRunner = (*pipeline.Runner)(nil)

// DefaultConfig mirrors spec.md §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		PeriodicInterval:   5 * time.Minute,
		DirtyWatchInterval: 5 * time.Second,
		MaxConcurrency:     4,
	}
}

// Scheduler owns the two background loops. Start/Stop follow the teacher's
// Start()/go run()/Stop()-cancels-context idiom throughout internal/node
// and internal/swap.
type Scheduler struct {
	store  *storage.Storage
	runner PipelineRunner
	cfg    Config
	log    *logging.Logger
	events *eventstream.Hub // optional; nil means no broadcasting

	sem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(store *storage.Storage, runner PipelineRunner, cfg Config) *Scheduler {
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = DefaultConfig().PeriodicInterval
	}
	if cfg.DirtyWatchInterval <= 0 {
		cfg.DirtyWatchInterval = DefaultConfig().DirtyWatchInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		runner: runner,
		cfg:    cfg,
		log:    logging.GetDefault().Component("scheduler"),
		events: cfg.Events,
		sem:    make(chan struct{}, cfg.MaxConcurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches both background loops.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.runPeriodic()
	go s.runDirtyWatch()
	s.log.Info("scheduler started",
		"periodic_interval", s.cfg.PeriodicInterval,
		"dirty_watch_interval", s.cfg.DirtyWatchInterval,
		"max_concurrency", s.cfg.MaxConcurrency,
	)
}

// Stop cancels both loops, cancels every in-flight pipeline run (a token
// pass cut short this way rolls back its transaction, so passes already
// committed stay and nothing is half-written), and blocks until both loop
// goroutines have exited.
func (s *Scheduler) Stop() {
	s.cancel()
	s.runner.CancelAll()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runPeriodic() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PeriodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepAll()
		}
	}
}

func (s *Scheduler) runDirtyWatch() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DirtyWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepDirty()
		}
	}
}

func (s *Scheduler) sweepAll() {
	accounts, err := s.store.ListAllAccounts()
	if err != nil {
		s.log.Error("failed to list accounts for periodic sweep", "error", err)
		return
	}
	s.runEach(accounts)
}

func (s *Scheduler) sweepDirty() {
	accounts, err := s.store.ListDirtyAccounts()
	if err != nil {
		s.log.Error("failed to list dirty accounts", "error", err)
		return
	}
	s.runEach(accounts)
}

// runEach fans out one goroutine per account, bounded by s.sem, isolating
// each account's failure from its siblings exactly as checkAllSwaps does.
func (s *Scheduler) runEach(accounts []*storage.MonitoredAccount) {
	var wg sync.WaitGroup
	for _, a := range accounts {
		account := a.AccountID

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()

			err := s.runner.Run(s.ctx, account)
			if err != nil {
				if err == pipeline.ErrAlreadyRunning {
					s.log.Debug("skipping account, pipeline already running", "account", account)
					return
				}
				s.log.Warn("pipeline run failed", "account", account, "error", err)
			}
			s.broadcastResult(account, err)
		}()
	}
	wg.Wait()
}

// broadcastResult publishes a best-effort event for the dashboard feed. A
// nil Hub (the default) makes this a no-op.
func (s *Scheduler) broadcastResult(account string, err error) {
	if s.events == nil {
		return
	}
	if err != nil {
		s.events.Broadcast(eventstream.EventPipelineRunFailed, eventstream.PipelineRunData{Account: account, Error: err.Error()})
		return
	}
	s.events.Broadcast(eventstream.EventPipelineRunCompleted, eventstream.PipelineRunData{Account: account})
}
