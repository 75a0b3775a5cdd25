// Package ledger keeps a per-account daily request tally in a small
// JSON file so operators can see which pool account absorbed the day's
// traffic.
package ledger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

type fileState struct {
	Date   string         `json:"date"`
	Counts map[string]int `json:"counts"`
}

// Ledger is a file-backed daily counter keyed by account identifier.
// The in-memory state is authoritative; persist failures are logged and
// never fail a request.
type Ledger struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	state fileState

	now func() time.Time
}

// Open loads the ledger at path, starting fresh when the file is
// missing, unreadable, or from a previous day.
func Open(path string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{path: path, logger: logger, now: time.Now}
	l.state = fileState{Date: l.today(), Counts: make(map[string]int)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("ledger unreadable, starting fresh", slog.String("error", err.Error()))
		}
		return l
	}
	var stored fileState
	if err := json.Unmarshal(raw, &stored); err != nil {
		logger.Warn("ledger corrupt, starting fresh", slog.String("error", err.Error()))
		return l
	}
	if stored.Date == l.state.Date && stored.Counts != nil {
		l.state = stored
	}
	return l
}

// Record increments today's tally for account and persists the file.
// A stored date from a previous day resets all counts first.
func (l *Ledger) Record(account string) {
	if account == "" {
		account = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.today()
	if l.state.Date != today {
		l.state = fileState{Date: today, Counts: make(map[string]int)}
	}
	l.state.Counts[account]++
	l.persistLocked()
}

// Count returns today's tally for account.
func (l *Ledger) Count(account string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Date != l.today() {
		return 0
	}
	return l.state.Counts[account]
}

// Totals returns a copy of today's per-account counts.
func (l *Ledger) Totals() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.state.Counts))
	if l.state.Date != l.today() {
		return out
	}
	for k, v := range l.state.Counts {
		out[k] = v
	}
	return out
}

func (l *Ledger) persistLocked() {
	raw, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		l.logger.Warn("ledger marshal failed", slog.String("error", err.Error()))
		return
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		l.logger.Warn("ledger persist failed",
			slog.String("path", filepath.Base(l.path)),
			slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, l.path); err != nil {
		l.logger.Warn("ledger persist failed",
			slog.String("path", filepath.Base(l.path)),
			slog.String("error", err.Error()))
	}
}

func (l *Ledger) today() string {
	return l.now().Format(dateLayout)
}
