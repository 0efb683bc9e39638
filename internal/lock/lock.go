// Package lock provides cross-process exclusive locks on jobs. A lock is a
// marker file inside the job directory naming its owner; it is created with
// a hard link so that exactly one contender wins.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/ratesweep/internal/metrics"
)

var (
	// ErrLockTimeout is returned when the lock could not be obtained in time.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrLockHeld is wrapped by ErrLockTimeout errors when another owner holds the lock.
	ErrLockHeld = errors.New("lock held by another owner")
	// ErrNotOwner is returned when a handle no longer matches the marker on disk.
	ErrNotOwner = errors.New("lock not owned by this handle")
)

const (
	// FileName is the marker file name inside a job directory.
	FileName = ".lock"

	tempPrefix    = ".tmp-lock-"
	reclaimPrefix = ".tmp-reclaim-"

	defaultPollInterval = 100 * time.Millisecond
)

// Owner is the content of a lock marker.
type Owner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager hands out locks for jobs stored under root.
type Manager struct {
	root         string
	pollInterval time.Duration
	hostname     string
	pid          int
	now          func() time.Time
}

// NewManager creates a lock manager for jobs under root. A non-positive poll
// interval uses the default.
func NewManager(root string, pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Manager{
		root:         root,
		pollInterval: pollInterval,
		hostname:     host,
		pid:          os.Getpid(),
		now:          time.Now,
	}
}

// Hostname returns the host name written into markers by this manager.
func (m *Manager) Hostname() string {
	return m.hostname
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.root, id, FileName)
}

// Acquire obtains the exclusive lock on a job, polling until timeout
// elapses. A zero timeout makes exactly one attempt.
func (m *Manager) Acquire(ctx context.Context, id string, timeout time.Duration) (*Handle, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = m.now().Add(timeout)
	}

	for {
		h, err := m.tryAcquire(id)
		if err == nil {
			metrics.RecordLockAcquisition("acquired")
			return h, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			metrics.RecordLockAcquisition("error")
			return nil, err
		}
		if timeout <= 0 || !m.now().Before(deadline) {
			metrics.RecordLockAcquisition("timeout")
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}

		wait := m.pollInterval
		if remaining := deadline.Sub(m.now()); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RecordLockAcquisition("timeout")
			return nil, fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}

func (m *Manager) tryAcquire(id string) (*Handle, error) {
	dir := filepath.Join(m.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir for lock: %w", err)
	}

	owner := Owner{
		PID:        m.pid,
		Hostname:   m.hostname,
		Token:      uuid.NewString(),
		AcquiredAt: m.now().UTC(),
	}
	data, err := json.Marshal(owner)
	if err != nil {
		return nil, fmt.Errorf("marshal lock owner: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create lock temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("write lock temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("sync lock temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close lock temp file: %w", err)
	}

	if err := os.Link(tmpPath, m.path(id)); err != nil {
		if errors.Is(err, os.ErrExist) {
			if current, rerr := readOwner(m.path(id)); rerr == nil {
				return nil, fmt.Errorf("%w: %s (pid %d on %s since %s)", ErrLockHeld, id,
					current.PID, current.Hostname, current.AcquiredAt.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, id)
		}
		return nil, fmt.Errorf("link lock marker: %w", err)
	}

	return &Handle{manager: m, id: id, owner: owner}, nil
}

// Inspect returns the current owner of a job's lock, or nil when unlocked.
func (m *Manager) Inspect(id string) (*Owner, error) {
	owner, err := readOwner(m.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return owner, nil
}

// Reclaim removes the lock on a job if its owner is dead according to alive.
// It returns true only when a stale lock was actually removed. A lock taken
// by a live contender between inspection and removal is put back.
func (m *Manager) Reclaim(id string, alive Liveness) (bool, error) {
	lockPath := m.path(id)
	owner, err := readOwner(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		// Markers are written whole before they become visible; an
		// unreadable one has no recoverable owner.
		owner = nil
	}
	if owner != nil && alive.IsAlive(*owner) {
		return false, nil
	}

	tombstone := filepath.Join(m.root, id, reclaimPrefix+uuid.NewString())
	if err := os.Rename(lockPath, tombstone); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("move stale lock aside: %w", err)
	}
	defer os.Remove(tombstone)

	moved, err := readOwner(tombstone)
	if err == nil && (owner == nil || moved.Token != owner.Token) {
		if lerr := os.Link(tombstone, lockPath); lerr != nil {
			return false, fmt.Errorf("restore lock taken during reclaim: %w", lerr)
		}
		return false, nil
	}
	return true, nil
}

func readOwner(path string) (*Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return nil, fmt.Errorf("parse lock marker %s: %w", path, err)
	}
	return &owner, nil
}

// Handle is a held lock. It satisfies store.Lease.
type Handle struct {
	manager *Manager
	id      string
	owner   Owner

	mu       sync.Mutex
	released bool
}

// JobID returns the locked job.
func (h *Handle) JobID() string {
	return h.id
}

// Owner returns the marker content written at acquisition.
func (h *Handle) Owner() Owner {
	return h.owner
}

// Verify checks that the marker on disk is still this handle's.
func (h *Handle) Verify() error {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return fmt.Errorf("%w: %s already released", ErrNotOwner, h.id)
	}

	current, err := readOwner(h.manager.path(h.id))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotOwner, h.id, err)
	}
	if current.Token != h.owner.Token {
		return fmt.Errorf("%w: %s now held by pid %d on %s", ErrNotOwner, h.id, current.PID, current.Hostname)
	}
	return nil
}

// Release removes the marker. Releasing twice, or after the lock was
// reclaimed, returns ErrNotOwner and leaves any newer marker in place.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return fmt.Errorf("%w: %s already released", ErrNotOwner, h.id)
	}
	current, err := readOwner(h.manager.path(h.id))
	if err != nil || current.Token != h.owner.Token {
		h.released = true
		return fmt.Errorf("%w: %s", ErrNotOwner, h.id)
	}
	if err := os.Remove(h.manager.path(h.id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	h.released = true
	return nil
}
