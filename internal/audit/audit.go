// Package audit persists the HTTP request trail as JSON lines. One object
// per attempt, size-capped: when the file outgrows the limit the oldest
// fraction of lines is pruned so the log never grows without bound.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"upbit-trader/internal/config"
	"upbit-trader/internal/exchange"
)

// Writer appends request events to a JSONL file.
type Writer struct {
	path       string
	maxBytes   int64
	pruneRatio float64
	logger     *slog.Logger

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewWriter opens (or creates) the audit log in append mode.
func NewWriter(cfg config.AuditConfig, logger *slog.Logger) (*Writer, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log: %w", err)
	}

	pruneRatio := cfg.PruneRatio
	if pruneRatio <= 0 || pruneRatio >= 1 {
		pruneRatio = 0.5
	}
	return &Writer{
		path:       cfg.Path,
		maxBytes:   cfg.MaxBytes,
		pruneRatio: pruneRatio,
		logger:     logger.With("component", "audit"),
		file:       f,
		size:       info.Size(),
	}, nil
}

// Write appends one event. Matches the exchange client's sink signature;
// failures are logged, never propagated, so auditing cannot break trading.
func (w *Writer) Write(e exchange.RequestEvent) {
	line, err := json.Marshal(e)
	if err != nil {
		w.logger.Error("failed to encode audit event", "error", err)
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxBytes > 0 && w.size+int64(len(line)) > w.maxBytes {
		if err := w.pruneLocked(); err != nil {
			w.logger.Error("audit log prune failed", "error", err)
		}
	}

	n, err := w.file.Write(line)
	w.size += int64(n)
	if err != nil {
		w.logger.Error("audit log write failed", "error", err)
	}
}

// pruneLocked drops the oldest pruneRatio fraction of lines and reopens the
// file. The rewrite goes through .tmp + rename so a crash cannot corrupt it.
func (w *Writer) pruneLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	lines := bytes.Split(bytes.TrimSuffix(data, []byte("\n")), []byte("\n"))
	drop := int(float64(len(lines)) * w.pruneRatio)
	if drop < 1 {
		drop = 1
	}
	if drop > len(lines) {
		drop = len(lines)
	}
	kept := bytes.Join(lines[drop:], []byte("\n"))
	if len(kept) > 0 {
		kept = append(kept, '\n')
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, kept, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.size = int64(len(kept))
	w.logger.Info("audit log pruned", "dropped", drop, "kept", len(lines)-drop)
	return nil
}

// Close flushes and closes the log.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
