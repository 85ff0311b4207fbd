// Package invoke submits shell commands to single instances over the managed
// command channel and polls them to a terminal status.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/opsgate/ssmctl/internal/awsapi"
	"github.com/opsgate/ssmctl/internal/logging"
)

var (
	ErrInvalidRequest = errors.New("invoke: invalid request")
	ErrSubmitFailed   = errors.New("invoke: submit failed")
	ErrPollTimeout    = errors.New("invoke: poll timed out")
	ErrRemoteFailed   = errors.New("invoke: remote command failed")
)

const shellDocument = "AWS-RunShellScript"

// Comment text rides along on the transport request, which caps it.
const maxCommentLen = 100

// Status is the invocation lifecycle state as reported by the channel.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusSuccess    Status = "Success"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
	StatusTimedOut   Status = "TimedOut"
)

// Terminal reports whether polling must stop: only Pending and InProgress
// ever transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusPending, StatusInProgress:
		return false
	default:
		return true
	}
}

// normalizeStatus folds transport-side transitional states into the two
// non-terminal lifecycle states.
func normalizeStatus(raw string) Status {
	switch raw {
	case "Delayed":
		return StatusPending
	case "Cancelling":
		return StatusInProgress
	case "":
		return StatusPending
	default:
		return Status(raw)
	}
}

// Result is one invocation's terminal outcome.
type Result struct {
	InvocationID string
	Status       Status
	Stdout       string
	Stderr       string
}

// Succeeded reports remote exit success.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Config bounds the polling loop.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Executor drives one command against one instance. It is stateless between
// calls; all lifecycle state lives on the transport side.
type Executor struct {
	api awsapi.SSMAPI
	cfg Config
}

func NewExecutor(api awsapi.SSMAPI, cfg Config) *Executor {
	return &Executor{api: api, cfg: cfg}
}

// Submit sends one command to one instance and returns the transport-assigned
// invocation id. Submission is never retried.
func (e *Executor) Submit(ctx context.Context, instanceID, command, comment string) (string, error) {
	if strings.TrimSpace(instanceID) == "" {
		return "", fmt.Errorf("%w: missing instance id", ErrInvalidRequest)
	}
	if command == "" {
		return "", fmt.Errorf("%w: empty command", ErrInvalidRequest)
	}
	if len(comment) > maxCommentLen {
		comment = comment[:maxCommentLen]
	}

	// The command text travels verbatim as one element of the document
	// parameter; the SDK serializes it, so embedded quotes and newlines
	// never break the request boundary.
	out, err := e.api.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(shellDocument),
		InstanceIds:  []string{instanceID},
		Parameters:   map[string][]string{"commands": {command}},
		Comment:      aws.String(comment),
	})
	if err != nil {
		return "", fmt.Errorf("%w: instance %s: %v", ErrSubmitFailed, instanceID, err)
	}
	if out.Command == nil || aws.ToString(out.Command.CommandId) == "" {
		return "", fmt.Errorf("%w: instance %s: transport returned no invocation id", ErrSubmitFailed, instanceID)
	}
	id := aws.ToString(out.Command.CommandId)
	logging.Debugf("invoke.Executor.Submit instance=%q invocation=%q", instanceID, id)
	return id, nil
}

// Poll blocks until the invocation reaches a terminal status or the
// wall-clock timeout elapses. Transport errors inside the window are retried
// on the same cadence; right after Submit the transport briefly reports the
// invocation as unknown, which lands on the same retry path.
func (e *Executor) Poll(ctx context.Context, invocationID, instanceID string) (Result, error) {
	if strings.TrimSpace(invocationID) == "" || strings.TrimSpace(instanceID) == "" {
		return Result{}, fmt.Errorf("%w: missing invocation or instance id", ErrInvalidRequest)
	}

	deadline := time.Now().Add(e.cfg.PollTimeout)
	var lastErr error
	for {
		out, err := e.api.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(invocationID),
			InstanceId: aws.String(instanceID),
		})
		if err != nil {
			lastErr = err
			logging.Debugf("invoke.Executor.Poll transient instance=%q invocation=%q err=%v", instanceID, invocationID, err)
		} else {
			status := normalizeStatus(string(out.Status))
			if status.Terminal() {
				res := Result{
					InvocationID: invocationID,
					Status:       status,
					Stdout:       aws.ToString(out.StandardOutputContent),
					Stderr:       aws.ToString(out.StandardErrorContent),
				}
				logging.Debugf("invoke.Executor.Poll terminal instance=%q invocation=%q status=%q", instanceID, invocationID, status)
				return res, nil
			}
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return Result{}, fmt.Errorf("%w: instance %s invocation %s after %s (last transport error: %v)",
					ErrPollTimeout, instanceID, invocationID, e.cfg.PollTimeout, lastErr)
			}
			return Result{}, fmt.Errorf("%w: instance %s invocation %s after %s",
				ErrPollTimeout, instanceID, invocationID, e.cfg.PollTimeout)
		}

		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("invoke: poll instance %s: %w", instanceID, ctx.Err())
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// Run is Submit followed by Poll. The returned Result carries the remote
// status; a non-Success status is not an error here, callers decide.
func (e *Executor) Run(ctx context.Context, instanceID, command, comment string) (Result, error) {
	id, err := e.Submit(ctx, instanceID, command, comment)
	if err != nil {
		return Result{}, err
	}
	return e.Poll(ctx, id, instanceID)
}

// RunStrict runs a command and converts a non-Success terminal status into
// ErrRemoteFailed carrying the captured stderr. Used where a remote step is a
// hard precondition for the next one.
func (e *Executor) RunStrict(ctx context.Context, instanceID, command, comment string) (Result, error) {
	res, err := e.Run(ctx, instanceID, command, comment)
	if err != nil {
		return Result{}, err
	}
	if !res.Succeeded() {
		return res, fmt.Errorf("%w: instance %s status %s: %s",
			ErrRemoteFailed, instanceID, res.Status, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}
