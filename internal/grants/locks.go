package grants

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsgate/ssmctl/internal/logging"
)

var ErrLockTimeout = errors.New("grants: lock acquisition timed out")

const lockRetryInterval = 200 * time.Millisecond

// LockHandle is the exclusive per-instance mutation right. The lock is a
// directory because mkdir is atomic create-if-absent on every filesystem we
// care about, and it is visible to sibling processes.
type LockHandle struct {
	path string
}

// Release drops the lock. Safe to call once per handle.
func (h *LockHandle) Release() {
	if h == nil || h.path == "" {
		return
	}
	if err := os.RemoveAll(h.path); err != nil {
		logging.Warnf("grants.LockHandle.Release path=%q err=%v", h.path, err)
	}
	h.path = ""
}

func (s *Store) instanceLockPath(instanceID string) string {
	return filepath.Join(s.root, "locks", instanceID+".lock")
}

// AcquireInstanceLock takes the per-instance lock, waiting up to wait. A
// lock directory older than staleAge belongs to a crashed process and is
// reclaimed instead of being waited out.
func (s *Store) AcquireInstanceLock(ctx context.Context, instanceID string, wait, staleAge time.Duration) (*LockHandle, error) {
	if strings.TrimSpace(instanceID) == "" {
		return nil, fmt.Errorf("grants: instance id required for lock")
	}
	if err := os.MkdirAll(filepath.Join(s.root, "locks"), 0o700); err != nil {
		return nil, fmt.Errorf("grants: prepare lock root: %w", err)
	}

	path := s.instanceLockPath(instanceID)
	deadline := time.Now().Add(wait)
	for {
		err := os.Mkdir(path, 0o700)
		if err == nil {
			logging.Debugf("grants.Store.AcquireInstanceLock instance=%q", instanceID)
			return &LockHandle{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("grants: create lock for %s: %w", instanceID, err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleAge {
			if reclaimLock(path, staleAge) {
				logging.Warnf("grants.Store.AcquireInstanceLock reclaimed stale lock instance=%q age=%s",
					instanceID, time.Since(info.ModTime()).Truncate(time.Second))
				continue
			}
			// Lost the reclaim race; the winner recreates the lock, so
			// fall through and wait like every other contender.
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: instance %s after %s", ErrLockTimeout, instanceID, wait)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("grants: lock %s: %w", instanceID, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

// registryLock guards multi-line ledger edits. It is a sentinel file, not a
// directory, so it can be distinguished from instance locks at a glance.
func (s *Store) acquireRegistryLock(ctx context.Context, wait, staleAge time.Duration) (func(), error) {
	path := s.ledgerPath() + ".lock"
	deadline := time.Now().Add(wait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%s|%d\n", hostname(), time.Now().Unix())
			f.Close()
			release := func() {
				if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
					logging.Warnf("grants.Store registry unlock err=%v", rmErr)
				}
			}
			return release, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("grants: create registry lock: %w", err)
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleAge {
			if reclaimLock(path, staleAge) {
				logging.Warnf("grants.Store registry lock stale, reclaimed age=%s", time.Since(info.ModTime()).Truncate(time.Second))
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: grant registry after %s", ErrLockTimeout, wait)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("grants: registry lock: %w", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

// reclaimLock takes ownership of a stale lock by renaming it aside before
// removal. Rename is atomic, so of any number of contenders that saw the
// same stale lock exactly one wins the right to recreate it; the losers'
// renames fail and they keep waiting. Works on lock dirs and sentinel files
// alike. The renamed leftover is removed best effort.
func reclaimLock(path string, staleAge time.Duration) bool {
	trash := fmt.Sprintf("%s.reclaimed-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, trash); err != nil {
		return false
	}
	// Between the caller's staleness check and the rename another contender
	// may have finished its own reclaim and recreated the lock. The renamed
	// entry is then fresh and belongs to a live holder: put it back and
	// report the reclaim as lost.
	if info, err := os.Stat(trash); err == nil && time.Since(info.ModTime()) <= staleAge {
		if err := os.Rename(trash, path); err != nil {
			logging.Warnf("grants: restore live lock %q err=%v", path, err)
		}
		return false
	}
	if err := os.RemoveAll(trash); err != nil {
		logging.Warnf("grants: remove reclaimed lock %q err=%v", trash, err)
	}
	return true
}

// ReclaimStaleLocks removes instance lock directories older than staleAge.
// Used by emergency cleanup; normal acquisition reclaims its own target lock.
func (s *Store) ReclaimStaleLocks(staleAge time.Duration) int {
	entries, err := os.ReadDir(filepath.Join(s.root, "locks"))
	if err != nil {
		return 0
	}
	reclaimed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) <= staleAge {
			continue
		}
		path := filepath.Join(s.root, "locks", entry.Name())
		if !reclaimLock(path, staleAge) {
			continue
		}
		logging.Infof("grants.Store.ReclaimStaleLocks reclaimed=%q", entry.Name())
		reclaimed++
	}
	return reclaimed
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-host"
	}
	return h
}
