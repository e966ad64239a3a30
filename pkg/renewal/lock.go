package renewal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned when another renewal for the same
// hostname set holds the lock. Expected under a twice-daily cron
// schedule with slow CA responses; callers skip, they don't escalate.
var ErrAlreadyRunning = errors.New("a renewal for this hostname set is already running")

// lockRecord is the on-disk lock content, kept for diagnostics when a
// stale lock is broken.
type lockRecord struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// fileLock is a filesystem mutex for one hostname set. Creation with
// O_EXCL is the atomic acquire; a crash leaves a lock behind, so locks
// older than the staleness timeout may be broken by the next tick.
type fileLock struct {
	path  string
	token string
}

func acquireLock(dir, name string, staleAfter time.Duration, now time.Time) (*fileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(dir, name+".lock")

	lock := &fileLock{path: path, token: uuid.NewString()}
	if err := lock.tryCreate(now); err == nil {
		return lock, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	// Lock exists. Break it only when it is stale (holder crashed).
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Holder released between our create and read; one retry.
			if err := lock.tryCreate(now); err != nil {
				return nil, ErrAlreadyRunning
			}
			return lock, nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var existing lockRecord
	if jsonErr := json.Unmarshal(data, &existing); jsonErr == nil {
		if now.Sub(existing.AcquiredAt) < staleAfter {
			return nil, ErrAlreadyRunning
		}
	}
	// Stale or unreadable: remove and take over.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to break stale lock: %w", err)
	}
	if err := lock.tryCreate(now); err != nil {
		return nil, ErrAlreadyRunning
	}
	return lock, nil
}

func (l *fileLock) tryCreate(now time.Time) error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	record := lockRecord{Token: l.token, PID: os.Getpid(), AcquiredAt: now.UTC()}
	data, _ := json.Marshal(record)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.path)
		return err
	}
	return f.Close()
}

// release removes the lock, but only when this process still owns it:
// a lock broken as stale and re-acquired by another process must not be
// removed out from under the new holder.
func (l *fileLock) release() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var record lockRecord
	if err := json.Unmarshal(data, &record); err == nil && record.Token != l.token {
		return nil
	}
	return os.Remove(l.path)
}
