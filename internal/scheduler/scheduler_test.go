package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/ledger-engine/internal/eventstream"
	"github.com/klingon-exchange/ledger-engine/internal/pipeline"
	"github.com/klingon-exchange/ledger-engine/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	dir, err := os.MkdirTemp("", "scheduler-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := storage.New(&storage.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeRunner struct {
	mu   sync.Mutex
	runs map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: make(map[string]int)}
}

func (f *fakeRunner) Run(ctx context.Context, account string) error {
	f.mu.Lock()
	f.runs[account]++
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) CancelAll() {}

func (f *fakeRunner) count(account string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[account]
}

func (f *fakeRunner) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.runs {
		n += c
	}
	return n
}

var _ PipelineRunner = (*fakeRunner)(nil)

func TestPeriodicSweepRunsEveryAccount(t *testing.T) {
	s := newTestStorage(t)
	for _, acct := range []string{"alice.near", "bob.near", "carol.near"} {
		if err := s.AddMonitoredAccount(acct); err != nil {
			t.Fatalf("AddMonitoredAccount: %v", err)
		}
		if err := s.RecordCycleResult(acct, ""); err != nil {
			t.Fatalf("RecordCycleResult: %v", err)
		}
	}

	runner := newFakeRunner()
	sched := New(s, runner, Config{PeriodicInterval: 20 * time.Millisecond, DirtyWatchInterval: time.Hour})
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runner.count("alice.near") > 0 && runner.count("bob.near") > 0 && runner.count("carol.near") > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, acct := range []string{"alice.near", "bob.near", "carol.near"} {
		if runner.count(acct) == 0 {
			t.Errorf("expected periodic sweep to run %s at least once", acct)
		}
	}
}

func TestDirtyWatchOnlyRunsDirtyAccounts(t *testing.T) {
	s := newTestStorage(t)
	if err := s.AddMonitoredAccount("dirty.near"); err != nil {
		t.Fatalf("AddMonitoredAccount: %v", err)
	}
	if err := s.AddMonitoredAccount("clean.near"); err != nil {
		t.Fatalf("AddMonitoredAccount: %v", err)
	}
	if err := s.RecordCycleResult("clean.near", ""); err != nil {
		t.Fatalf("RecordCycleResult: %v", err)
	}
	// dirty.near stays dirty (never had its cycle recorded after add).

	runner := newFakeRunner()
	sched := New(s, runner, Config{PeriodicInterval: time.Hour, DirtyWatchInterval: 20 * time.Millisecond})
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runner.count("dirty.near") > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if runner.count("dirty.near") == 0 {
		t.Error("expected the dirty watcher to pick up dirty.near")
	}
	if runner.count("clean.near") != 0 {
		t.Error("expected the dirty watcher to skip an account with no dirty flag")
	}
}

func TestStopWaitsForLoopsToExit(t *testing.T) {
	s := newTestStorage(t)
	runner := newFakeRunner()
	sched := New(s, runner, Config{PeriodicInterval: 5 * time.Millisecond, DirtyWatchInterval: 5 * time.Millisecond})
	sched.Start()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return within the timeout")
	}
}

func TestRunEachSkipsAlreadyRunningWithoutError(t *testing.T) {
	s := newTestStorage(t)
	if err := s.AddMonitoredAccount("alice.near"); err != nil {
		t.Fatalf("AddMonitoredAccount: %v", err)
	}

	var calls atomic.Int64
	var blocking blockingRunner
	blocking.calls = &calls
	sched := New(s, &blocking, Config{PeriodicInterval: time.Hour, DirtyWatchInterval: time.Hour})

	accounts, err := s.ListAllAccounts()
	if err != nil {
		t.Fatalf("ListAllAccounts: %v", err)
	}
	sched.runEach(accounts)
	sched.runEach(accounts)

	if calls.Load() != 2 {
		t.Fatalf("expected runEach to call Run once per sweep regardless of the runner's own concurrency guard, got %d", calls.Load())
	}
}

type blockingRunner struct {
	calls *atomic.Int64
}

func (b *blockingRunner) Run(ctx context.Context, account string) error {
	b.calls.Add(1)
	return pipeline.ErrAlreadyRunning
}

func (b *blockingRunner) CancelAll() {}

var _ PipelineRunner = (*blockingRunner)(nil)

type failingRunner struct {
	err error
}

func (f *failingRunner) Run(ctx context.Context, account string) error { return f.err }
func (f *failingRunner) CancelAll()                                    {}

var _ PipelineRunner = (*failingRunner)(nil)

func dialHub(t *testing.T, hub *eventstream.Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.ClientCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func TestRunEachBroadcastsSuccessEvent(t *testing.T) {
	s := newTestStorage(t)
	if err := s.AddMonitoredAccount("alice.near"); err != nil {
		t.Fatalf("AddMonitoredAccount: %v", err)
	}

	hub := eventstream.NewHub()
	go hub.Run()
	conn := dialHub(t, hub)

	sched := New(s, newFakeRunner(), Config{PeriodicInterval: time.Hour, DirtyWatchInterval: time.Hour, Events: hub})
	accounts, err := s.ListAllAccounts()
	if err != nil {
		t.Fatalf("ListAllAccounts: %v", err)
	}
	sched.runEach(accounts)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), "pipeline_run_completed") || !strings.Contains(string(msg), "alice.near") {
		t.Errorf("expected a completed event for alice.near, got %s", msg)
	}
}

func TestRunEachBroadcastsFailureEvent(t *testing.T) {
	s := newTestStorage(t)
	if err := s.AddMonitoredAccount("alice.near"); err != nil {
		t.Fatalf("AddMonitoredAccount: %v", err)
	}

	hub := eventstream.NewHub()
	go hub.Run()
	conn := dialHub(t, hub)

	sched := New(s, &failingRunner{err: errors.New("boom")}, Config{PeriodicInterval: time.Hour, DirtyWatchInterval: time.Hour, Events: hub})
	accounts, err := s.ListAllAccounts()
	if err != nil {
		t.Fatalf("ListAllAccounts: %v", err)
	}
	sched.runEach(accounts)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), "pipeline_run_failed") || !strings.Contains(string(msg), "boom") {
		t.Errorf("expected a failed event carrying the run error, got %s", msg)
	}
}

func TestRunEachDoesNotBroadcastOnAlreadyRunning(t *testing.T) {
	s := newTestStorage(t)
	if err := s.AddMonitoredAccount("alice.near"); err != nil {
		t.Fatalf("AddMonitoredAccount: %v", err)
	}

	hub := eventstream.NewHub()
	go hub.Run()
	conn := dialHub(t, hub)

	var calls atomic.Int64
	blocking := &blockingRunner{calls: &calls}
	sched := New(s, blocking, Config{PeriodicInterval: time.Hour, DirtyWatchInterval: time.Hour, Events: hub})
	accounts, err := s.ListAllAccounts()
	if err != nil {
		t.Fatalf("ListAllAccounts: %v", err)
	}
	sched.runEach(accounts)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected no broadcast when Run returns ErrAlreadyRunning")
	}
}
