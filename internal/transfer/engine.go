// Package transfer moves files between the local host and instances,
// choosing a strategy by payload size: small payloads ride the command
// channel directly, large ones go through a shared bucket under a temporary
// grant.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opsgate/ssmctl/internal/awsapi"
	"github.com/opsgate/ssmctl/internal/invoke"
	"github.com/opsgate/ssmctl/internal/logging"
)

var (
	ErrLocalFile      = errors.New("transfer: local file not usable")
	ErrRemoteNotFound = errors.New("transfer: remote file not found")
	ErrProbeFailed    = errors.New("transfer: remote size probe failed")
)

// notFoundSentinel marks a missing remote file in probe output so it can
// never be confused with a zero-byte file.
const notFoundSentinel = "__SSMCTL_NOT_FOUND__"

// Strategy selects how bytes travel.
type Strategy string

const (
	StrategyDirect   Strategy = "Direct"
	StrategyMediated Strategy = "Mediated"
)

// chooseStrategy is the single place the size threshold is applied: exactly
// threshold selects Mediated.
func chooseStrategy(size, threshold int64) Strategy {
	if size >= threshold {
		return StrategyMediated
	}
	return StrategyDirect
}

// Runner is the command-channel seam; invoke.Executor is the production
// implementation.
type Runner interface {
	RunStrict(ctx context.Context, instanceID, command, comment string) (invoke.Result, error)
}

// PermissionManager is the grant lifecycle seam; grants.Manager is the
// production implementation.
type PermissionManager interface {
	Attach(ctx context.Context, instanceID, bucket string) (string, error)
	Detach(ctx context.Context, instanceID string) error
}

// Config tunes the engine. Threshold is in bytes.
type Config struct {
	Region           string
	Threshold        int64
	PropagationDelay time.Duration
	BucketPrefix     string
}

// Engine orchestrates uploads and downloads end to end.
type Engine struct {
	runner Runner
	s3API  awsapi.S3API
	stsAPI awsapi.STSAPI
	perms  PermissionManager
	cfg    Config
}

func NewEngine(runner Runner, s3API awsapi.S3API, stsAPI awsapi.STSAPI, perms PermissionManager, cfg Config) *Engine {
	return &Engine{runner: runner, s3API: s3API, stsAPI: stsAPI, perms: perms, cfg: cfg}
}

// Upload copies localPath to remotePath on the instance. The local file is
// validated before any remote call.
func (e *Engine) Upload(ctx context.Context, instanceID, localPath, remotePath string) error {
	size, err := localFileSize(localPath)
	if err != nil {
		return err
	}
	strategy := chooseStrategy(size, e.cfg.Threshold)
	logging.Infof("transfer.Engine.Upload instance=%q local=%q remote=%q size=%d strategy=%s",
		instanceID, localPath, remotePath, size, strategy)

	if strategy == StrategyDirect {
		return e.uploadDirect(ctx, instanceID, localPath, remotePath)
	}
	return e.uploadMediated(ctx, instanceID, localPath, remotePath)
}

// Download copies remotePath on the instance to localPath. Local destination
// directories are created first; the remote size probe decides the strategy.
func (e *Engine) Download(ctx context.Context, instanceID, remotePath, localPath string) error {
	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrLocalFile, dir, err)
		}
	}

	size, err := e.remoteFileSize(ctx, instanceID, remotePath)
	if err != nil {
		return err
	}
	strategy := chooseStrategy(size, e.cfg.Threshold)
	logging.Infof("transfer.Engine.Download instance=%q remote=%q local=%q size=%d strategy=%s",
		instanceID, remotePath, localPath, size, strategy)

	if strategy == StrategyDirect {
		return e.downloadDirect(ctx, instanceID, remotePath, localPath)
	}
	return e.downloadMediated(ctx, instanceID, remotePath, localPath)
}

func localFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrLocalFile, path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrLocalFile, path)
	}
	// Readability check up front, before any remote call.
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrLocalFile, path, err)
	}
	f.Close()
	return info.Size(), nil
}

// remoteFileSize probes the file size over the command channel. A missing
// file is a distinct error, never size zero.
func (e *Engine) remoteFileSize(ctx context.Context, instanceID, remotePath string) (int64, error) {
	probe := fmt.Sprintf("if [ -e %s ]; then stat -c %%s %s 2>/dev/null || wc -c < %s; else echo %s; fi",
		invoke.Quote(remotePath), invoke.Quote(remotePath), invoke.Quote(remotePath), notFoundSentinel)
	res, err := e.runner.RunStrict(ctx, instanceID, probe, "ssmctl size probe")
	if err != nil {
		return 0, err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == notFoundSentinel {
		return 0, fmt.Errorf("%w: %s on instance %s", ErrRemoteNotFound, remotePath, instanceID)
	}
	size, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: instance %s returned %q", ErrProbeFailed, instanceID, out)
	}
	return size, nil
}
