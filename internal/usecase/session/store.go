package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"shellpilot/internal/domain"
)

const (
	// DefaultFetchSize is the slice size used when Fetch is called with size <= 0.
	DefaultFetchSize = 1000
	partialPreview   = 500
	stillRunningMsg  = "Process is still running. Use sessionId to retrieve output."
)

// Config holds SessionStore settings. Zero values take the defaults below.
type Config struct {
	WaitTimeout     time.Duration // default spawn wait window (5s)
	GracePeriod     time.Duration // how long a finished session stays readable (5m)
	SessionTTL      time.Duration // a running session untouched this long is killed (2h)
	MaxSessions     int           // concurrently running sessions (32)
	OutputBufferMax int           // bytes buffered per session (1 MiB)
	CleanupInterval time.Duration // sweep period (30s)
	Shell           string        // interpreter; bash when installed, else sh
}

// SpawnRequest starts one local process.
type SpawnRequest struct {
	Command string
	WorkDir string
	Wait    time.Duration
}

type entry struct {
	info       domain.SessionInfo
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	buf        *outputBuffer
	done       chan struct{}
	lastAccess time.Time
	expireAt   time.Time // zero while running
}

// Store tracks local processes that outlive the request that spawned them.
// A single mutex guards the session map.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	entropy  *ulid.MonotonicEntropy
	config   Config
	bus      domain.EventBus
	logger   *slog.Logger
	now      func() time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Store and starts its cleanup loop. Call Stop to release it.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Store {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Minute
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Hour
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 32
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1 << 20
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultShell()
	}

	s := &Store{
		sessions: make(map[string]*entry),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		config:   cfg,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

func defaultShell() string {
	if _, err := exec.LookPath("bash"); err == nil {
		return "bash"
	}
	return "sh"
}

// Spawn starts req.Command and waits up to req.Wait for it to finish. A
// process that finishes in time is returned in full and forgotten; a slower
// one stays in the store and is identified by SessionID.
func (s *Store) Spawn(ctx context.Context, req SpawnRequest) (domain.SpawnResult, error) {
	if req.Command == "" {
		return domain.SpawnResult{}, domain.NewSubSystemError("session", "SessionStore.Spawn", domain.ErrInvalidInput, "command is required")
	}
	wait := req.Wait
	if wait <= 0 {
		wait = s.config.WaitTimeout
	}

	e, err := s.start(req)
	if err != nil {
		return domain.SpawnResult{}, err
	}
	s.emit(ctx, domain.EventSessionStarted, e.info.ID, map[string]string{"command": req.Command})
	s.logger.Info("session started", "session_id", e.info.ID, "command", req.Command)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-e.done:
		s.mu.Lock()
		delete(s.sessions, e.info.ID)
		code := e.info.ExitCode
		s.mu.Unlock()
		return domain.SpawnResult{
			Completed:     true,
			Output:        e.buf.String(),
			ExitCode:      code,
			ExecutionTime: e.info.EndedAt.Sub(e.info.StartedAt).Milliseconds(),
		}, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	partial, _, _ := e.buf.slice(0, partialPreview)
	return domain.SpawnResult{
		SessionID:     e.info.ID,
		Message:       stillRunningMsg,
		PartialOutput: partial + "...",
		Timeout:       wait.Milliseconds(),
	}, nil
}

func (s *Store) start(req SpawnRequest) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopCh:
		return nil, domain.NewSubSystemError("session", "SessionStore.Spawn", domain.ErrInvalidInput, "store is stopped")
	default:
	}

	running := 0
	for _, e := range s.sessions {
		if e.info.Status == domain.SessionRunning {
			running++
		}
	}
	if running >= s.config.MaxSessions {
		return nil, domain.NewSubSystemError("session", "SessionStore.Spawn", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d sessions running", running, s.config.MaxSessions))
	}

	now := s.now()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()

	// The process outlives the request, so it gets its own context.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, s.config.Shell, "-c", req.Command)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = 2 * time.Second

	buf := newOutputBuffer(s.config.OutputBufferMax)
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, domain.NewSubSystemError("session", "SessionStore.Spawn", domain.ErrBackendTransport, err.Error())
	}

	e := &entry{
		info: domain.SessionInfo{
			ID:        id,
			Command:   req.Command,
			Status:    domain.SessionRunning,
			StartedAt: now,
		},
		cmd:        cmd,
		cancel:     cancel,
		buf:        buf,
		done:       make(chan struct{}),
		lastAccess: now,
	}
	s.sessions[id] = e

	s.wg.Add(1)
	go s.waitForExit(e)
	return e, nil
}

// Fetch returns output[offset:offset+size] for a session.
func (s *Store) Fetch(id string, offset, size int) (domain.SessionChunk, error) {
	if size <= 0 {
		size = DefaultFetchSize
	}

	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.SessionChunk{}, domain.NewSubSystemError("session", "SessionStore.Fetch", domain.ErrNotFound, id)
	}
	e.lastAccess = s.now()
	s.mu.Unlock()

	completed := false
	select {
	case <-e.done:
		completed = true
	default:
	}

	out, total, more := e.buf.slice(offset, size)
	return domain.SessionChunk{
		SessionID:   id,
		Output:      out,
		Completed:   completed,
		TotalLength: total,
		HasMore:     more,
		Truncated:   e.buf.Truncated(),
	}, nil
}

// List returns every tracked session, oldest first.
func (s *Store) List() []domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.SessionInfo, 0, len(s.sessions))
	for _, e := range s.sessions {
		info := e.info
		info.Length = e.buf.Len()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the number of running sessions.
func (s *Store) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sessions {
		if e.info.Status == domain.SessionRunning {
			n++
		}
	}
	return n
}

// Kill terminates a running session. Its output stays readable for the
// grace period.
func (s *Store) Kill(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewSubSystemError("session", "SessionStore.Kill", domain.ErrNotFound, id)
	}
	if e.info.Status != domain.SessionRunning {
		s.mu.Unlock()
		return domain.NewSubSystemError("session", "SessionStore.Kill", domain.ErrInvalidInput, "session is not running")
	}
	e.info.Status = domain.SessionKilled
	s.mu.Unlock()

	e.cancel()
	<-e.done

	s.emit(ctx, domain.EventSessionKilled, id, nil)
	s.logger.Info("session killed", "session_id", id)
	return nil
}

// Stop ends the cleanup loop, kills running processes and waits for every
// goroutine the store started.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	var running []*entry
	for _, e := range s.sessions {
		if e.info.Status == domain.SessionRunning {
			e.info.Status = domain.SessionKilled
			running = append(running, e)
		}
	}
	s.mu.Unlock()

	for _, e := range running {
		e.cancel()
	}
	s.wg.Wait()
}

func (s *Store) waitForExit(e *entry) {
	defer s.wg.Done()

	err := e.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	e.buf.finish(fmt.Sprintf("\n[Process exited with code %d]", code))

	s.mu.Lock()
	now := s.now()
	e.info.EndedAt = &now
	e.info.ExitCode = &code
	natural := e.info.Status == domain.SessionRunning
	if natural {
		e.info.Status = domain.SessionCompleted
	}
	e.expireAt = now.Add(s.config.GracePeriod)
	s.mu.Unlock()

	e.cancel()
	close(e.done)

	if natural {
		s.emit(context.Background(), domain.EventSessionCompleted, e.info.ID, map[string]int{"exit_code": code})
	}
	s.logger.Info("session finished", "session_id", e.info.ID, "exit_code", code)
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops finished sessions past their grace period and kills running
// ones nobody has fetched within the TTL.
func (s *Store) sweep() {
	now := s.now()

	s.mu.Lock()
	var stale []*entry
	for id, e := range s.sessions {
		switch {
		case e.info.Status == domain.SessionRunning:
			if now.Sub(e.lastAccess) > s.config.SessionTTL {
				e.info.Status = domain.SessionKilled
				stale = append(stale, e)
			}
		case !e.expireAt.IsZero() && now.After(e.expireAt):
			delete(s.sessions, id)
			s.logger.Debug("session removed after grace period", "session_id", id)
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		e.cancel()
		s.emit(context.Background(), domain.EventSessionExpired, e.info.ID, nil)
		s.logger.Warn("session exceeded ttl, killed", "session_id", e.info.ID)
	}
}

func (s *Store) emit(ctx context.Context, eventType domain.EventType, id string, payload any) {
	if s.bus == nil {
		return
	}
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: s.now(),
		SessionID: id,
		Payload:   data,
	})
}
