// Package grants tracks temporary bucket-access grants across process
// boundaries: a pipe-delimited ledger file records every outstanding grant,
// filesystem locks serialize mutation, and the manager drives the IAM
// attach/detach lifecycle against both.
package grants

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opsgate/ssmctl/internal/logging"
)

const (
	ledgerFile   = "grants.ledger"
	metaDir      = "meta"
	ledgerFields = 5
)

// Entry is one recorded grant: an IAM policy this process family created and
// still owes a revocation for.
type Entry struct {
	InstanceID string
	Region     string
	PolicyARN  string
	MetaFile   string
	CreatedAt  time.Time
}

func (e Entry) line() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", e.InstanceID, e.Region, e.PolicyARN, e.MetaFile, e.CreatedAt.Unix())
}

func parseEntry(line string) (Entry, error) {
	parts := strings.Split(line, "|")
	if len(parts) != ledgerFields {
		return Entry{}, fmt.Errorf("grants: malformed ledger line (%d fields)", len(parts))
	}
	ts, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("grants: malformed ledger timestamp: %w", err)
	}
	e := Entry{
		InstanceID: strings.TrimSpace(parts[0]),
		Region:     strings.TrimSpace(parts[1]),
		PolicyARN:  strings.TrimSpace(parts[2]),
		MetaFile:   strings.TrimSpace(parts[3]),
		CreatedAt:  time.Unix(ts, 0),
	}
	if e.InstanceID == "" || e.PolicyARN == "" {
		return Entry{}, fmt.Errorf("grants: ledger line missing instance or policy")
	}
	return e, nil
}

// Store owns the on-disk registry layout under one state root. Everything it
// writes is owner-only: the ledger names live policies.
type Store struct {
	root string

	registryWait  time.Duration
	registryStale time.Duration
}

// NewStore prepares the state root (0700) and returns the registry handle.
func NewStore(root string, registryWait, registryStale time.Duration) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("grants: state root required")
	}
	for _, dir := range []string{root, filepath.Join(root, "locks"), filepath.Join(root, metaDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("grants: prepare state dir %s: %w", dir, err)
		}
	}
	return &Store{root: root, registryWait: registryWait, registryStale: registryStale}, nil
}

func (s *Store) ledgerPath() string {
	return filepath.Join(s.root, ledgerFile)
}

func (s *Store) metaPath(grantID string) string {
	return filepath.Join(s.root, metaDir, "grant-"+grantID+".meta")
}

// Append records one grant under the registry lock.
func (s *Store) Append(ctx context.Context, e Entry) error {
	release, err := s.acquireRegistryLock(ctx, s.registryWait, s.registryStale)
	if err != nil {
		return err
	}
	defer release()

	f, err := os.OpenFile(s.ledgerPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("grants: open ledger: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, e.line()); err != nil {
		return fmt.Errorf("grants: append ledger: %w", err)
	}
	logging.Debugf("grants.Store.Append instance=%q policy=%q", e.InstanceID, e.PolicyARN)
	return nil
}

// TakeInstance removes and returns every entry for one instance. Malformed
// lines are logged and dropped; entries for other instances are preserved
// byte-for-byte in order.
func (s *Store) TakeInstance(ctx context.Context, instanceID string) ([]Entry, error) {
	return s.take(ctx, func(e Entry) bool { return e.InstanceID == instanceID })
}

// TakeAll removes and returns every entry; the ledger file is left empty.
func (s *Store) TakeAll(ctx context.Context) ([]Entry, error) {
	return s.take(ctx, func(Entry) bool { return true })
}

func (s *Store) take(ctx context.Context, match func(Entry) bool) ([]Entry, error) {
	release, err := s.acquireRegistryLock(ctx, s.registryWait, s.registryStale)
	if err != nil {
		return nil, err
	}
	defer release()

	data, err := os.ReadFile(s.ledgerPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("grants: read ledger: %w", err)
	}

	var taken []Entry
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			logging.Warnf("grants.Store dropping unreadable ledger line: %v", err)
			continue
		}
		if match(e) {
			taken = append(taken, e)
		} else {
			kept = append(kept, line)
		}
	}

	if err := s.rewriteLedger(kept); err != nil {
		return nil, err
	}
	return taken, nil
}

// rewriteLedger replaces the ledger atomically (temp file + rename) so a
// concurrent reader never observes a torn write.
func (s *Store) rewriteLedger(lines []string) error {
	tmp, err := os.CreateTemp(s.root, ledgerFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("grants: stage ledger rewrite: %w", err)
	}
	tmpName := tmp.Name()
	for _, line := range lines {
		if _, err := fmt.Fprintln(tmp, line); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("grants: stage ledger rewrite: %w", err)
		}
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("grants: stage ledger rewrite: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("grants: stage ledger rewrite: %w", err)
	}
	if err := os.Rename(tmpName, s.ledgerPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("grants: replace ledger: %w", err)
	}
	return nil
}

// WriteMeta persists the per-grant metadata artifact: the ledger line plus
// the resolved role name, so emergency cleanup can revoke without a live
// instance lookup even when the ledger itself is gone.
func (s *Store) WriteMeta(grantID string, e Entry, roleName string) (string, error) {
	path := s.metaPath(grantID)
	body := fmt.Sprintf("%s\nrole=%s\n", e.line(), roleName)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("grants: write grant metadata: %w", err)
	}
	return path, nil
}

// RemoveMeta drops a grant's metadata artifact, best effort.
func (s *Store) RemoveMeta(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warnf("grants.Store.RemoveMeta path=%q err=%v", path, err)
	}
}

// metaEntries rebuilds entries from the metadata directory. Fallback source
// for emergency cleanup when the ledger file is missing.
func (s *Store) metaEntries() []Entry {
	paths, err := filepath.Glob(filepath.Join(s.root, metaDir, "grant-*.meta"))
	if err != nil {
		return nil
	}
	sort.Strings(paths)
	var out []Entry
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
		e, err := parseEntry(strings.TrimSpace(lines[0]))
		if err != nil {
			logging.Warnf("grants.Store unreadable grant metadata %q: %v", path, err)
			continue
		}
		e.MetaFile = path
		out = append(out, e)
	}
	return out
}

// metaRole extracts the recorded role name from a metadata artifact.
func metaRole(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if role, ok := strings.CutPrefix(strings.TrimSpace(line), "role="); ok {
			return role
		}
	}
	return ""
}
