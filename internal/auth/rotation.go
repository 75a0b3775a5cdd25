package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// RotationError indicates a credential file in the pool is invalid or
// unreadable. It aborts the current retry chain only.
type RotationError struct {
	Path string
	Err  error
}

func (e *RotationError) Error() string {
	return fmt.Sprintf("rotation: credential %s unusable: %v", e.Path, e.Err)
}

func (e *RotationError) Unwrap() error { return e.Err }

// Rotator cycles the active credential through a round-robin pool of
// credential files, copying the selected record to the canonical
// active-credential path. Rotation is enabled only with two or more
// records; concurrent Rotate calls collapse onto one in-flight
// rotation so the canonical file is never written twice at once.
type Rotator struct {
	canonicalPath string
	logger        *slog.Logger

	resetHour      int
	resetUTCOffset int

	mu        sync.Mutex
	paths     []string
	index     int
	enabled   bool
	exhausted bool
	lastReset time.Time

	group singleflight.Group
	now   func() time.Time
}

// NewRotator creates a rotator that maintains canonicalPath.
func NewRotator(canonicalPath string, resetHour, resetUTCOffset int, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{
		canonicalPath:  canonicalPath,
		resetHour:      resetHour,
		resetUTCOffset: resetUTCOffset,
		logger:         logger,
		now:            time.Now,
	}
}

// Initialize configures the pool from an explicit ordered path list.
// Rotation stays disabled unless at least two records exist. The index
// and exhaustion flag reset on every (re)initialization.
func (r *Rotator) Initialize(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append([]string(nil), paths...)
	r.index = 0
	r.exhausted = false
	r.enabled = len(r.paths) >= 2
	if !r.enabled {
		r.logger.Info("credential rotation disabled", slog.Int("accounts", len(r.paths)))
		return
	}
	r.logger.Info("credential rotation enabled", slog.Int("accounts", len(r.paths)))
}

// InitializeFromDirectory scans dir for credential JSON files, in
// lexical order, and configures the pool from the result.
func (r *Rotator) InitializeFromDirectory(dir string) error {
	paths, err := ScanCredentialDir(dir)
	if err != nil {
		return err
	}
	r.Initialize(paths)
	return nil
}

// ScanCredentialDir lists the creds-*.json pool files under dir. The
// prefix requirement keeps the canonical active-credential file out of
// its own pool.
func ScanCredentialDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan credential dir %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), accountFilePrefix) ||
			!strings.HasSuffix(entry.Name(), accountFileSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Enabled reports whether the pool holds enough records to rotate.
func (r *Rotator) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Exhausted reports whether a full rotation cycle has completed since
// the last reset.
func (r *Rotator) Exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exhausted
}

// AccountCount returns the pool size.
func (r *Rotator) AccountCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// CurrentAccountPath returns the pool path the canonical credential was
// last copied from, or the empty string for an empty pool.
func (r *Rotator) CurrentAccountPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.paths) == 0 {
		return ""
	}
	return r.paths[r.index]
}

// CurrentAccountID returns the derived identifier of the active account.
func (r *Rotator) CurrentAccountID() string {
	path := r.CurrentAccountPath()
	if path == "" {
		return ""
	}
	return AccountID(path)
}

// Rotate advances to the next account and makes it active. Concurrent
// callers during an in-flight rotation observe that rotation's single
// outcome instead of each copying the canonical file.
func (r *Rotator) Rotate(ctx context.Context) (string, error) {
	result, err, _ := r.group.Do("rotate", func() (any, error) {
		return r.rotateLocked(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *Rotator) rotateLocked(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.checkDailyReset()

	if !r.enabled {
		return "", fmt.Errorf("rotation: disabled, pool has %d account(s)", len(r.paths))
	}

	r.index = (r.index + 1) % len(r.paths)
	if r.index == 0 {
		r.exhausted = true
		r.logger.Warn("credential pool exhausted, cycling back to first account")
	}

	target := r.paths[r.index]
	cred, err := LoadCredential(target)
	if err != nil {
		return "", &RotationError{Path: target, Err: err}
	}
	if !cred.Usable() {
		return "", &RotationError{Path: target, Err: fmt.Errorf("no oauth fields present")}
	}
	if err := WriteCredential(r.canonicalPath, cred); err != nil {
		return "", &RotationError{Path: target, Err: err}
	}

	r.logger.Info("rotated active credential",
		slog.String("account", AccountID(target)),
		slog.Int("index", r.index))
	return target, nil
}

// CheckDailyReset forces the index back to the first account and clears
// exhaustion when the configured local reset hour is reached on a new
// calendar day. Safe to call from a background ticker.
func (r *Rotator) CheckDailyReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkDailyReset()
}

func (r *Rotator) checkDailyReset() {
	loc := time.FixedZone("quota", r.resetUTCOffset*3600)
	now := r.now().In(loc)
	if now.Hour() != r.resetHour {
		return
	}
	last := r.lastReset.In(loc)
	if !r.lastReset.IsZero() && last.YearDay() == now.YearDay() && last.Year() == now.Year() {
		return
	}
	r.index = 0
	r.exhausted = false
	r.lastReset = r.now()
	r.logger.Info("daily quota reset, rotation index cleared",
		slog.Int("reset_hour", r.resetHour))
}

// ActiveCredential loads the canonical credential, refreshing the
// access token when expired and persisting the refreshed record.
func (r *Rotator) ActiveCredential(ctx context.Context, forceRefresh bool) (*Credential, error) {
	cred, err := LoadCredential(r.canonicalPath)
	if err != nil {
		return nil, &AuthError{Reason: err.Error()}
	}
	if forceRefresh || cred.Expired(r.now()) {
		if err := cred.Refresh(ctx); err != nil {
			return nil, err
		}
		if err := WriteCredential(r.canonicalPath, cred); err != nil {
			// A failed persist leaves the refreshed token usable in memory.
			r.logger.Warn("persist refreshed credential failed", slog.String("error", err.Error()))
		}
	}
	if cred.AccessToken == "" {
		return nil, &AuthError{Reason: "no access token available"}
	}
	return cred, nil
}
