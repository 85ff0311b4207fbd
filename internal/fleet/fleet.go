// Package fleet fans one command out to a resolved target set under bounded
// parallelism and aggregates per-target results in resolution order.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/semaphore"

	"github.com/opsgate/ssmctl/internal/awsapi"
	"github.com/opsgate/ssmctl/internal/invoke"
	"github.com/opsgate/ssmctl/internal/logging"
)

var (
	ErrInvalidSelector   = errors.New("fleet: invalid selector")
	ErrNoMatchingTargets = errors.New("fleet: no matching targets")
	ErrResolveFailed     = errors.New("fleet: target resolution failed")
	ErrTargetsFailed     = errors.New("fleet: one or more targets failed")
)

// Selector names the target set: equality tag filters (AND) or an explicit
// instance id list. Exactly one of the two must be set.
type Selector struct {
	Tags        map[string]string
	InstanceIDs []string
}

// Validate enforces the tags/ids mutual exclusion up front, before any
// remote call.
func (s Selector) Validate() error {
	hasTags := len(s.Tags) > 0
	hasIDs := len(s.InstanceIDs) > 0
	if hasTags && hasIDs {
		return fmt.Errorf("%w: tag filters and instance ids are mutually exclusive", ErrInvalidSelector)
	}
	if !hasTags && !hasIDs {
		return fmt.Errorf("%w: either tag filters or instance ids required", ErrInvalidSelector)
	}
	for k, v := range s.Tags {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: empty tag key or value", ErrInvalidSelector)
		}
	}
	for _, id := range s.InstanceIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty instance id", ErrInvalidSelector)
		}
	}
	return nil
}

// CommandRunner is the single-target execution seam; invoke.Executor is the
// production implementation.
type CommandRunner interface {
	Submit(ctx context.Context, instanceID, command, comment string) (string, error)
	Poll(ctx context.Context, invocationID, instanceID string) (invoke.Result, error)
}

// TargetResult is one target's aggregated outcome.
type TargetResult struct {
	InstanceID string
	Status     invoke.Status
	Duration   time.Duration
	Stdout     string
	Stderr     string
	Err        error
}

// Ok reports whether this target both reached the channel and exited Success.
func (r TargetResult) Ok() bool {
	return r.Err == nil && r.Status == invoke.StatusSuccess
}

// Report aggregates one fan-out run. Results are ordered by resolution
// order, never by completion order.
type Report struct {
	Results   []TargetResult
	Total     int
	Succeeded int
	Failed    int
	WallClock time.Duration
}

// Executor resolves selectors against the instance inventory and dispatches
// through a bounded worker pool.
type Executor struct {
	api    awsapi.EC2API
	ssmAPI awsapi.SSMAPI
	runner CommandRunner
}

func NewExecutor(api awsapi.EC2API, ssmAPI awsapi.SSMAPI, runner CommandRunner) *Executor {
	return &Executor{api: api, ssmAPI: ssmAPI, runner: runner}
}

// ResolveTargets expands a selector to concrete instance ids, once. Tag
// selectors match running instances only; explicit id lists pass through in
// their given order.
func (e *Executor) ResolveTargets(ctx context.Context, selector Selector) ([]string, error) {
	if err := selector.Validate(); err != nil {
		return nil, err
	}
	if len(selector.InstanceIDs) > 0 {
		out := make([]string, len(selector.InstanceIDs))
		for i, id := range selector.InstanceIDs {
			out[i] = strings.TrimSpace(id)
		}
		return out, nil
	}

	filters := []ec2types.Filter{{
		Name:   aws.String("instance-state-name"),
		Values: []string{"running"},
	}}
	keys := make([]string, 0, len(selector.Tags))
	for k := range selector.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, ec2types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{selector.Tags[k]},
		})
	}

	var ids []string
	var token *string
	for {
		out, err := e.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters:   filters,
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if id := aws.ToString(inst.InstanceId); id != "" {
					ids = append(ids, id)
				}
			}
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	logging.Debugf("fleet.Executor.ResolveTargets tags=%v matched=%d", selector.Tags, len(ids))
	return ids, nil
}

// Execute resolves the selector and runs the command on every target inside
// a pool bounded by parallelism (0 means logical CPU count). One target's
// failure never cancels the others; a submission error records a failed row,
// never a missing one. The returned error is ErrTargetsFailed iff any target
// did not succeed; the Report is complete either way.
func (e *Executor) Execute(ctx context.Context, selector Selector, command string, parallelism int) (Report, error) {
	if command == "" {
		return Report{}, fmt.Errorf("%w: empty command", ErrInvalidSelector)
	}
	targets, err := e.ResolveTargets(ctx, selector)
	if err != nil {
		return Report{}, err
	}
	if len(targets) == 0 {
		return Report{}, ErrNoMatchingTargets
	}
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	started := time.Now()
	results := make([]TargetResult, len(targets))
	sem := semaphore.NewWeighted(int64(parallelism))
	var wg sync.WaitGroup

	for i, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone: record the remaining targets as failed rather
			// than dropping them from the report.
			for j := i; j < len(targets); j++ {
				results[j] = TargetResult{InstanceID: targets[j], Err: err}
			}
			break
		}
		wg.Add(1)
		go func(idx int, instanceID string) {
			defer wg.Done()
			defer sem.Release(1)
			results[idx] = e.runOne(ctx, instanceID, command)
		}(i, target)
	}
	wg.Wait()

	report := Report{
		Results:   results,
		Total:     len(results),
		WallClock: time.Since(started),
	}
	for _, r := range results {
		if r.Ok() {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	logging.Infof("fleet.Executor.Execute targets=%d succeeded=%d failed=%d wall=%s",
		report.Total, report.Succeeded, report.Failed, report.WallClock)
	if report.Failed > 0 {
		return report, fmt.Errorf("%w: %d of %d", ErrTargetsFailed, report.Failed, report.Total)
	}
	return report, nil
}

func (e *Executor) runOne(ctx context.Context, instanceID, command string) TargetResult {
	started := time.Now()
	invocationID, err := e.runner.Submit(ctx, instanceID, command, "ssmctl exec-tagged")
	if err != nil {
		return TargetResult{InstanceID: instanceID, Duration: time.Since(started), Err: err}
	}
	res, err := e.runner.Poll(ctx, invocationID, instanceID)
	if err != nil {
		return TargetResult{InstanceID: instanceID, Duration: time.Since(started), Err: err}
	}
	return TargetResult{
		InstanceID: instanceID,
		Status:     res.Status,
		Duration:   time.Since(started),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	}
}

// ConfirmReached lists which instances an invocation actually landed on,
// for post-run reporting.
func (e *Executor) ConfirmReached(ctx context.Context, invocationID string) (map[string]invoke.Status, error) {
	if strings.TrimSpace(invocationID) == "" {
		return nil, fmt.Errorf("%w: missing invocation id", ErrInvalidSelector)
	}
	reached := make(map[string]invoke.Status)
	var token *string
	for {
		out, err := e.ssmAPI.ListCommandInvocations(ctx, &ssm.ListCommandInvocationsInput{
			CommandId: aws.String(invocationID),
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("fleet: list invocations %s: %w", invocationID, err)
		}
		for _, inv := range out.CommandInvocations {
			reached[aws.ToString(inv.InstanceId)] = invoke.Status(inv.Status)
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	return reached, nil
}
