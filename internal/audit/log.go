// Package audit provides the append-only event log and the cumulative
// cost tracker with its budget gate. Logging is best-effort: an audit
// failure is reported to the logger but never to the caller.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// Log appends events to a JSONL file, one JSON object per line. Writes are
// serialized under a mutex and timestamps are assigned monotonically, so
// events are total-ordered within the process.
type Log struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	lastTS time.Time
}

// NewLog opens (or creates) the event log at path.
func NewLog(path string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{path: path, logger: logger, file: f}, nil
}

// Append writes one event. The timestamp is assigned here and never moves
// backwards, even across clock adjustments. Failures are logged and
// swallowed; auditing must not break the request path.
func (l *Log) Append(ev model.AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC()
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Microsecond)
	}
	l.lastTS = ts
	ev.TS = ts

	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("audit: marshal event", "error", err)
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.logger.Error("audit: append event", "error", err)
	}
}

// Tail returns the most recent n events, oldest first. The whole file is
// scanned; event logs are rotated externally and stay small enough for that.
func (l *Log) Tail(n int) ([]model.AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", l.path, err)
	}
	defer f.Close()

	var events []model.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.AuditEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn last line after a crash is expected; skip it.
			l.logger.Warn("audit: skipping malformed log line", "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", l.path, err)
	}

	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Stats summarizes the given events (typically a Tail result).
func Stats(events []model.AuditEvent) model.AuditStats {
	s := model.AuditStats{Total: len(events)}
	if len(events) == 0 {
		return s
	}

	var durSum, rowSum int64
	for _, ev := range events {
		switch ev.Status {
		case model.AuditSuccess:
			s.Success++
		case model.AuditWarning:
			s.Warning++
		case model.AuditError:
			s.Error++
		}
		durSum += ev.DurationMS
		rowSum += int64(ev.RowsReturned)
	}
	s.AvgDurationMS = float64(durSum) / float64(len(events))
	s.AvgRows = float64(rowSum) / float64(len(events))
	return s
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
