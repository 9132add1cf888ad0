package session

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/logger"
)

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestStore(t *testing.T, cfg Config, bus domain.EventBus) *Store {
	t.Helper()
	cfg.Shell = "sh"
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	s := New(cfg, bus, logger.Discard())
	t.Cleanup(s.Stop)
	return s
}

func TestSpawnCompletesInsideWaitWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := &recordingBus{}
	s := New(Config{Shell: "sh", CleanupInterval: time.Hour}, bus, logger.Discard())

	res, err := s.Spawn(context.Background(), SpawnRequest{Command: "echo hello", Wait: 5 * time.Second})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !res.Completed {
		t.Fatalf("expected completed, got %+v", res)
	}
	if res.SessionID != "" {
		t.Errorf("completed spawn should not expose a session id, got %q", res.SessionID)
	}
	if res.Output != "hello\n\n[Process exited with code 0]" {
		t.Errorf("output = %q", res.Output)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v", res.ExitCode)
	}
	if len(s.List()) != 0 {
		t.Error("completed session should be discarded")
	}

	s.Stop()

	types := bus.types()
	if len(types) != 2 || types[0] != domain.EventSessionStarted || types[1] != domain.EventSessionCompleted {
		t.Errorf("events = %v", types)
	}
}

func TestSpawnNonZeroExit(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	res, err := s.Spawn(context.Background(), SpawnRequest{Command: "echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Fatalf("exit code = %v", res.ExitCode)
	}
	if !strings.Contains(res.Output, "oops") || !strings.HasSuffix(res.Output, "[Process exited with code 3]") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestSpawnOutlivesWaitWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(Config{Shell: "sh", CleanupInterval: time.Hour}, nil, logger.Discard())
	defer s.Stop()

	res, err := s.Spawn(context.Background(), SpawnRequest{
		Command: "echo started; sleep 5",
		Wait:    300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.Completed || res.SessionID == "" {
		t.Fatalf("expected running session, got %+v", res)
	}
	if res.Timeout != 300 {
		t.Errorf("timeout = %d", res.Timeout)
	}
	if !strings.HasSuffix(res.PartialOutput, "...") {
		t.Errorf("partial output = %q", res.PartialOutput)
	}

	chunk, err := s.Fetch(res.SessionID, 0, 3)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if chunk.Output != "sta" || !chunk.HasMore || chunk.Completed {
		t.Errorf("chunk = %+v", chunk)
	}

	if err := s.Kill(context.Background(), res.SessionID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	chunk, err = s.Fetch(res.SessionID, 0, 0)
	if err != nil {
		t.Fatalf("Fetch after kill: %v", err)
	}
	if !chunk.Completed || !strings.Contains(chunk.Output, "[Process exited with code") {
		t.Errorf("chunk after kill = %+v", chunk)
	}

	list := s.List()
	if len(list) != 1 || list[0].Status != domain.SessionKilled {
		t.Errorf("list = %+v", list)
	}
	if err := s.Kill(context.Background(), res.SessionID); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("second kill err = %v", err)
	}
}

func TestFetchHugeSizeClamps(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	res, err := s.Spawn(context.Background(), SpawnRequest{
		Command: "echo started; sleep 5",
		Wait:    300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if res.SessionID == "" {
		t.Fatalf("expected running session, got %+v", res)
	}
	t.Cleanup(func() { s.Kill(context.Background(), res.SessionID) })

	chunk, err := s.Fetch(res.SessionID, 1, math.MaxInt)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if chunk.Output != "tarted\n" || chunk.HasMore {
		t.Errorf("chunk = %+v", chunk)
	}

	chunk, err = s.Fetch(res.SessionID, math.MaxInt, math.MaxInt)
	if err != nil {
		t.Fatalf("Fetch past end: %v", err)
	}
	if chunk.Output != "" || chunk.HasMore || chunk.TotalLength != len("started\n") {
		t.Errorf("chunk past end = %+v", chunk)
	}
}

func TestMaxSessions(t *testing.T) {
	s := newTestStore(t, Config{MaxSessions: 1}, nil)

	first, err := s.Spawn(context.Background(), SpawnRequest{Command: "sleep 5", Wait: 20 * time.Millisecond})
	if err != nil || first.SessionID == "" {
		t.Fatalf("first spawn: %+v %v", first, err)
	}

	_, err = s.Spawn(context.Background(), SpawnRequest{Command: "sleep 5", Wait: 20 * time.Millisecond})
	if !errors.Is(err, domain.ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeSessionMaxSessions {
		t.Errorf("code = %s", code)
	}
	if s.Active() != 1 {
		t.Errorf("active = %d", s.Active())
	}
}

func TestFetchUnknownSession(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	_, err := s.Fetch("nope", 0, 10)
	if code := domain.ErrorCodeOf(err); code != domain.CodeSessionNotFound {
		t.Fatalf("code = %s (%v)", code, err)
	}
}

func TestSpawnRejectsEmptyCommand(t *testing.T) {
	s := newTestStore(t, Config{}, nil)
	_, err := s.Spawn(context.Background(), SpawnRequest{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	s := newTestStore(t, Config{}, nil)

	seen := map[string]bool{}
	for range 5 {
		res, err := s.Spawn(context.Background(), SpawnRequest{Command: "sleep 5", Wait: time.Millisecond})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		if seen[res.SessionID] {
			t.Fatalf("duplicate id %s", res.SessionID)
		}
		seen[res.SessionID] = true
	}
}

func TestSweepGraceAndTTL(t *testing.T) {
	bus := &recordingBus{}
	s := newTestStore(t, Config{GracePeriod: time.Minute, SessionTTL: time.Hour}, bus)

	var offset atomic.Int64
	s.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }

	finished, err := s.Spawn(context.Background(), SpawnRequest{Command: "sleep 0.3", Wait: time.Millisecond})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	idle, err := s.Spawn(context.Background(), SpawnRequest{Command: "sleep 30", Wait: time.Millisecond})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		chunk, err := s.Fetch(finished.SessionID, 0, 0)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if chunk.Completed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Still readable inside the grace period.
	s.sweep()
	if _, err := s.Fetch(finished.SessionID, 0, 0); err != nil {
		t.Fatalf("fetch inside grace: %v", err)
	}

	offset.Store(int64(2 * time.Hour))
	s.sweep()

	if _, err := s.Fetch(finished.SessionID, 0, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("finished session should be gone, err = %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for s.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle session was not killed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, info := range s.List() {
		if info.ID == idle.SessionID && info.Status != domain.SessionKilled {
			t.Errorf("idle status = %s", info.Status)
		}
	}

	found := false
	for _, typ := range bus.types() {
		if typ == domain.EventSessionExpired {
			found = true
		}
	}
	if !found {
		t.Error("expected session.expired event")
	}
}
