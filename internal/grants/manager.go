package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/google/uuid"

	"github.com/opsgate/ssmctl/internal/awsapi"
	"github.com/opsgate/ssmctl/internal/logging"
)

var (
	ErrNoExecutionRole = errors.New("grants: instance has no execution role")
	ErrAttachFailed    = errors.New("grants: attach failed")
)

const policyNamePrefix = "ssmctl-grant-"

// Config bounds the manager's lock waits.
type Config struct {
	Region       string
	LockWait     time.Duration
	LockStaleAge time.Duration
}

// Manager owns the grant lifecycle: least-privilege policy creation, role
// attachment, ledger bookkeeping, and teardown.
type Manager struct {
	iamAPI awsapi.IAMAPI
	ec2API awsapi.EC2API
	store  *Store
	cfg    Config
}

func NewManager(iamAPI awsapi.IAMAPI, ec2API awsapi.EC2API, store *Store, cfg Config) *Manager {
	return &Manager{iamAPI: iamAPI, ec2API: ec2API, store: store, cfg: cfg}
}

// NewGrantID builds a collision-free grant identity from timestamp, host and
// a random component. Process ids recycle too fast to be safe across
// parallel invocations.
func NewGrantID() string {
	host := hostname()
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	var b strings.Builder
	for _, r := range host {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	host = b.String()
	if host == "" {
		host = "host"
	}
	return fmt.Sprintf("%d-%s-%s", time.Now().Unix(), host, uuid.NewString()[:8])
}

type policyStatement struct {
	Sid      string   `json:"Sid"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource string   `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// bucketPolicy scopes object get/put/delete plus list to exactly one bucket.
func bucketPolicy(bucket string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Sid:      "TransferObjects",
				Effect:   "Allow",
				Action:   []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"},
				Resource: "arn:aws:s3:::" + bucket + "/*",
			},
			{
				Sid:      "TransferList",
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: "arn:aws:s3:::" + bucket,
			},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("grants: marshal policy: %w", err)
	}
	return string(data), nil
}

// ResolveExecutionRole maps an instance to the role behind its instance
// profile. The error for a roleless instance tells the operator what to fix.
func (m *Manager) ResolveExecutionRole(ctx context.Context, instanceID string) (string, error) {
	out, err := m.ec2API.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", fmt.Errorf("grants: describe instance %s: %w", instanceID, err)
	}
	var profileARN string
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.IamInstanceProfile != nil {
				profileARN = aws.ToString(inst.IamInstanceProfile.Arn)
			}
		}
	}
	if profileARN == "" {
		return "", fmt.Errorf("%w: instance %s has no instance profile; attach one with an assumable role before a mediated transfer",
			ErrNoExecutionRole, instanceID)
	}

	profileName := profileARN
	if i := strings.LastIndexByte(profileARN, '/'); i >= 0 {
		profileName = profileARN[i+1:]
	}
	prof, err := m.iamAPI.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(profileName),
	})
	if err != nil {
		return "", fmt.Errorf("grants: get instance profile %s: %w", profileName, err)
	}
	if prof.InstanceProfile == nil || len(prof.InstanceProfile.Roles) == 0 {
		return "", fmt.Errorf("%w: instance profile %s carries no role", ErrNoExecutionRole, profileName)
	}
	return aws.ToString(prof.InstanceProfile.Roles[0].RoleName), nil
}

// Attach grants the instance's execution role scoped access to bucket and
// records the grant. Any failure past policy creation rolls the policy back
// before returning; a failure past attachment rolls both back.
func (m *Manager) Attach(ctx context.Context, instanceID, bucket string) (string, error) {
	if strings.TrimSpace(instanceID) == "" || strings.TrimSpace(bucket) == "" {
		return "", fmt.Errorf("%w: instance and bucket required", ErrAttachFailed)
	}

	lock, err := m.store.AcquireInstanceLock(ctx, instanceID, m.cfg.LockWait, m.cfg.LockStaleAge)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	roleName, err := m.ResolveExecutionRole(ctx, instanceID)
	if err != nil {
		return "", err
	}

	grantID := NewGrantID()
	policyName := policyNamePrefix + grantID
	doc, err := bucketPolicy(bucket)
	if err != nil {
		return "", err
	}

	created, err := m.iamAPI.CreatePolicy(ctx, &iam.CreatePolicyInput{
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(doc),
		Description:    aws.String("ssmctl temporary transfer grant for " + instanceID),
	})
	if err != nil {
		return "", fmt.Errorf("%w: create policy for %s: %v", ErrAttachFailed, instanceID, err)
	}
	policyARN := aws.ToString(created.Policy.Arn)

	if _, err := m.iamAPI.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(roleName),
		PolicyArn: aws.String(policyARN),
	}); err != nil {
		m.deletePolicy(ctx, policyARN)
		return "", fmt.Errorf("%w: attach policy to role %s for %s: %v", ErrAttachFailed, roleName, instanceID, err)
	}

	entry := Entry{
		InstanceID: instanceID,
		Region:     m.cfg.Region,
		PolicyARN:  policyARN,
		CreatedAt:  time.Now(),
	}
	metaPath, err := m.store.WriteMeta(grantID, entry, roleName)
	if err != nil {
		m.revoke(ctx, roleName, policyARN)
		return "", fmt.Errorf("%w: record grant for %s: %v", ErrAttachFailed, instanceID, err)
	}
	entry.MetaFile = metaPath

	if err := m.store.Append(ctx, entry); err != nil {
		m.revoke(ctx, roleName, policyARN)
		m.store.RemoveMeta(metaPath)
		return "", fmt.Errorf("%w: record grant for %s: %v", ErrAttachFailed, instanceID, err)
	}

	logging.Infof("grants.Manager.Attach instance=%q role=%q policy=%q grant=%q", instanceID, roleName, policyARN, grantID)
	return grantID, nil
}

// Detach revokes every recorded grant for the instance. Revocation is best
// effort: a detach failure does not block the delete attempt or the other
// entries, and failed entries go back into the ledger for emergency cleanup.
// Detaching an instance with no grants is a silent no-op. Only a lock or
// ledger access failure is returned.
func (m *Manager) Detach(ctx context.Context, instanceID string) error {
	lock, err := m.store.AcquireInstanceLock(ctx, instanceID, m.cfg.LockWait, m.cfg.LockStaleAge)
	if err != nil {
		return err
	}
	defer lock.Release()

	entries, err := m.store.TakeInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		logging.Debugf("grants.Manager.Detach instance=%q no grants", instanceID)
		return nil
	}

	roleName, roleErr := m.ResolveExecutionRole(ctx, instanceID)
	for _, entry := range entries {
		role := roleName
		if roleErr != nil {
			role = metaRole(entry.MetaFile)
		}
		if !m.revoke(ctx, role, entry.PolicyARN) {
			if appendErr := m.store.Append(ctx, entry); appendErr != nil {
				logging.Errorf("grants.Manager.Detach could not re-record grant policy=%q: %v", entry.PolicyARN, appendErr)
			}
			continue
		}
		m.store.RemoveMeta(entry.MetaFile)
	}
	return nil
}

// CleanupOrphans revokes every recorded grant regardless of age, clears the
// ledger, and reclaims stale instance locks. Metadata artifacts without a
// ledger line are swept too: a crash between revoke and meta removal, or a
// vanished ledger file, must not strand a policy. Crash-recovery entry point.
func (m *Manager) CleanupOrphans(ctx context.Context) error {
	entries, err := m.store.TakeAll(ctx)
	if err != nil {
		return err
	}
	recorded := make(map[string]bool, len(entries))
	for _, entry := range entries {
		recorded[entry.PolicyARN] = true
	}
	for _, entry := range m.store.metaEntries() {
		if !recorded[entry.PolicyARN] {
			entries = append(entries, entry)
		}
	}

	for _, entry := range entries {
		role := metaRole(entry.MetaFile)
		if role == "" {
			if resolved, err := m.ResolveExecutionRole(ctx, entry.InstanceID); err == nil {
				role = resolved
			}
		}
		if m.revoke(ctx, role, entry.PolicyARN) {
			m.store.RemoveMeta(entry.MetaFile)
		}
		logging.Infof("grants.Manager.CleanupOrphans instance=%q policy=%q", entry.InstanceID, entry.PolicyARN)
	}

	m.store.ReclaimStaleLocks(m.cfg.LockStaleAge)
	return nil
}

// revoke detaches then deletes one policy. An already-gone attachment or
// policy counts as revoked. Returns false only when the policy may still
// exist attached or detached.
func (m *Manager) revoke(ctx context.Context, roleName, policyARN string) bool {
	ok := true
	if roleName != "" {
		if _, err := m.iamAPI.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(roleName),
			PolicyArn: aws.String(policyARN),
		}); err != nil && !isNoSuchEntity(err) {
			logging.Warnf("grants.Manager detach policy=%q role=%q err=%v", policyARN, roleName, err)
			ok = false
		}
	} else {
		logging.Warnf("grants.Manager detach skipped, role unknown policy=%q", policyARN)
		ok = false
	}

	// Delete is attempted regardless of the detach outcome.
	if !m.deletePolicy(ctx, policyARN) {
		ok = false
	}
	return ok
}

func (m *Manager) deletePolicy(ctx context.Context, policyARN string) bool {
	if _, err := m.iamAPI.DeletePolicy(ctx, &iam.DeletePolicyInput{
		PolicyArn: aws.String(policyARN),
	}); err != nil && !isNoSuchEntity(err) {
		logging.Warnf("grants.Manager delete policy=%q err=%v", policyARN, err)
		return false
	}
	return true
}

func isNoSuchEntity(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	return errors.As(err, &nse)
}
