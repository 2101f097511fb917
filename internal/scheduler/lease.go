package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/tripclaw/internal/state"
)

// guardStaleAfter is how old a guard file may get before it is assumed to
// belong to a crashed process.
const guardStaleAfter = 10 * time.Second

// LeaseRecord is the JSON content of the lease file.
type LeaseRecord struct {
	OwnerID   int    `json:"ownerId"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // epoch milliseconds
}

// Expired reports whether the lease is no longer valid at now.
func (r *LeaseRecord) Expired(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAt
}

// Lease is a renewable, time-bounded ownership token stored in a file that
// every scheduler instance shares. It gives best-effort mutual exclusion:
// a holder that dies keeps the lease until it expires.
type Lease struct {
	path    string
	ownerID int
	ttl     time.Duration

	mu    sync.Mutex
	token string
}

// NewLease creates a lease handle for ownerID backed by the file at path.
func NewLease(path string, ownerID int, ttl time.Duration) *Lease {
	return &Lease{path: path, ownerID: ownerID, ttl: ttl}
}

// Path returns the lease file path.
func (l *Lease) Path() string {
	return l.path
}

// Acquire tries to take or renew the lease at now. It returns false without
// error when another owner holds an unexpired lease or is mid-acquisition.
func (l *Lease) Acquire(now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, ok, err := l.guard()
	if err != nil || !ok {
		return false, err
	}
	defer release()

	current, err := ReadLease(l.path)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return false, err
	}

	if current != nil && !current.Expired(now) {
		if current.OwnerID != l.ownerID || current.Token != l.token {
			return false, nil
		}
		// Renew our own lease.
		current.ExpiresAt = now.Add(l.ttl).UnixMilli()
		if err := writeLease(l.path, current); err != nil {
			return false, err
		}
		return true, nil
	}

	rec := &LeaseRecord{
		OwnerID:   l.ownerID,
		Token:     uuid.New().String(),
		ExpiresAt: now.Add(l.ttl).UnixMilli(),
	}
	if err := writeLease(l.path, rec); err != nil {
		return false, err
	}

	confirmed, err := ReadLease(l.path)
	if err != nil {
		return false, fmt.Errorf("confirm lease: %w", err)
	}
	if confirmed.OwnerID != rec.OwnerID || confirmed.Token != rec.Token {
		slog.Warn("lease taken by another owner during acquisition", "owner_id", confirmed.OwnerID)
		return false, nil
	}
	l.token = rec.Token
	return true, nil
}

// guard creates the sibling guard file exclusively. ok is false when another
// acquirer currently holds it. The returned release removes the guard only
// while it is still the file this call created.
func (l *Lease) guard() (release func(), ok bool, err error) {
	guardPath := l.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(guardPath), 0o755); err != nil {
		return nil, false, fmt.Errorf("create lease dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(guardPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", l.ownerID)
			mine, statErr := f.Stat()
			f.Close()
			if statErr != nil {
				os.Remove(guardPath)
				return nil, false, fmt.Errorf("stat lease guard: %w", statErr)
			}
			return func() { releaseGuard(guardPath, mine) }, true, nil
		}
		if !os.IsExist(err) {
			return nil, false, fmt.Errorf("create lease guard: %w", err)
		}

		info, statErr := os.Stat(guardPath)
		if statErr != nil || time.Since(info.ModTime()) < guardStaleAfter {
			return nil, false, nil
		}
		if !breakStaleGuard(guardPath, info) {
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// breakStaleGuard moves the guard aside with a rename, which only one caller
// can win, and discards it when it is still the stale file seen earlier. A
// fresh guard moved by mistake is linked back into place. It reports whether
// the stale guard is gone.
func breakStaleGuard(guardPath string, stale os.FileInfo) bool {
	aside := guardPath + ".stale-" + uuid.NewString()
	if err := os.Rename(guardPath, aside); err != nil {
		return false
	}
	defer os.Remove(aside)

	moved, err := os.Stat(aside)
	if err != nil {
		return false
	}
	if !os.SameFile(moved, stale) {
		if err := os.Link(aside, guardPath); err != nil {
			slog.Warn("restore lease guard", "path", guardPath, "error", err)
		}
		return false
	}
	slog.Warn("removed stale lease guard", "path", guardPath, "age", time.Since(stale.ModTime()))
	return true
}

func releaseGuard(guardPath string, mine os.FileInfo) {
	current, err := os.Stat(guardPath)
	if err != nil || !os.SameFile(current, mine) {
		return
	}
	os.Remove(guardPath)
}

// ReadLease reads the lease file. It returns an error wrapping
// state.ErrNotFound when no lease was ever written.
func ReadLease(path string) (*LeaseRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("lease %s: %w", path, state.ErrNotFound)
		}
		return nil, fmt.Errorf("read lease: %w", err)
	}
	var rec LeaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &rec, nil
}

func writeLease(path string, rec *LeaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	if err := state.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	return nil
}
