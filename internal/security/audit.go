package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/tracer"
)

// RetentionPolicy controls how much of the audit trail is kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	Event     domain.EventType `json:"event"`
	ID        string           `json:"id,omitempty"` // run or session id
	Detail    json.RawMessage  `json:"detail,omitempty"`
}

// AuditLog appends run and session lifecycle events to a JSONL file, so
// every planned and executed command leaves a record.
type AuditLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
	logger    *slog.Logger
}

// NewAuditLog opens path for appending, creating it with 0600 permissions.
func NewAuditLog(path string, logger *slog.Logger) (*AuditLog, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: f, path: path, logger: logger}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// SetRetention configures the policy applied by EnforceRetention.
func (a *AuditLog) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Record writes one bus event. When a span is active the event is also
// attached to it.
func (a *AuditLog) Record(ctx context.Context, ev domain.Event) error {
	entry := AuditEntry{Timestamp: ev.Timestamp.UTC(), Event: ev.Type, ID: ev.SessionID, Detail: ev.Payload}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("audit."+string(ev.Type), trace.WithAttributes(tracer.StringAttr("audit.id", ev.SessionID)))
	}
	return nil
}

// Handler adapts Record for EventBus.SubscribeAll. Write failures are logged.
func (a *AuditLog) Handler() domain.EventHandler {
	return func(ctx context.Context, ev domain.Event) {
		if err := a.Record(ctx, ev); err != nil {
			a.logger.Error("audit write failed", "event", string(ev.Type), "error", err)
		}
	}
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the file keeping only entries that satisfy the
// policy, dropping the oldest first. It returns the number removed.
func (a *AuditLog) EnforceRetention() (removed int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := a.retention
	if policy == nil || (policy.MaxAge == 0 && policy.MaxSize == 0) {
		return 0, nil
	}
	if policy.MaxAge == 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	kept, keptSize, removed, err := a.readKept(cutoff)
	if err != nil {
		return 0, err
	}
	for policy.MaxSize > 0 && keptSize > policy.MaxSize && len(kept) > 0 {
		keptSize -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	rewriteErr := rewrite(a.path, kept)
	a.file, err = openAppend(a.path)
	if err != nil {
		return removed, fmt.Errorf("reopen after retention: %w", err)
	}
	if rewriteErr != nil {
		return 0, rewriteErr
	}
	return removed, nil
}

// readKept returns the lines newer than cutoff (all lines when cutoff is zero).
func (a *AuditLog) readKept(cutoff time.Time) (kept [][]byte, size int64, removed int, err error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, size, removed, nil
}

func rewrite(path string, lines [][]byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ParseSize parses a human-readable size such as "100MB" or "1GB".
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n * multiplier, nil
}
