package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/opsgate/ssmctl/internal/invoke"
	"github.com/opsgate/ssmctl/internal/logging"
)

// uploadMediated routes the payload through the shared bucket: grant, put,
// remote pull, cleanup. The transient object and the grant are both torn
// down on every exit path, cancellation included.
func (e *Engine) uploadMediated(ctx context.Context, instanceID, localPath, remotePath string) error {
	bucket, err := e.EnsureBucket(ctx)
	if err != nil {
		return err
	}
	key := transferKey(localPath)

	if _, err := e.perms.Attach(ctx, instanceID, bucket); err != nil {
		return err
	}
	defer e.detach(ctx, instanceID)
	defer e.deleteObject(ctx, bucket, key)

	if err := waitPropagation(ctx, e.cfg.PropagationDelay); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrLocalFile, localPath, err)
	}
	_, putErr := e.s3API.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	f.Close()
	if putErr != nil {
		return fmt.Errorf("transfer: stage %s to bucket: %w", localPath, putErr)
	}

	script := invoke.Script(
		invoke.Line("mkdir -p", remoteParent(remotePath)),
		fmt.Sprintf("aws s3 cp %s %s --region %s",
			invoke.Quote("s3://"+bucket+"/"+key), invoke.Quote(remotePath), e.cfg.Region),
	)
	if _, err := e.runner.RunStrict(ctx, instanceID, script, "ssmctl mediated upload"); err != nil {
		return err
	}
	return nil
}

// downloadMediated is the reverse path: grant, remote push, get, cleanup.
func (e *Engine) downloadMediated(ctx context.Context, instanceID, remotePath, localPath string) error {
	bucket, err := e.EnsureBucket(ctx)
	if err != nil {
		return err
	}
	key := transferKey(remotePath)

	if _, err := e.perms.Attach(ctx, instanceID, bucket); err != nil {
		return err
	}
	defer e.detach(ctx, instanceID)
	defer e.deleteObject(ctx, bucket, key)

	if err := waitPropagation(ctx, e.cfg.PropagationDelay); err != nil {
		return err
	}

	push := fmt.Sprintf("aws s3 cp %s %s --region %s",
		invoke.Quote(remotePath), invoke.Quote("s3://"+bucket+"/"+key), e.cfg.Region)
	if _, err := e.runner.RunStrict(ctx, instanceID, push, "ssmctl mediated download"); err != nil {
		return err
	}

	obj, err := e.s3API.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("transfer: fetch staged object %s: %w", key, err)
	}
	defer obj.Body.Close()

	out, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrLocalFile, localPath, err)
	}
	if _, err := io.Copy(out, obj.Body); err != nil {
		out.Close()
		return fmt.Errorf("%w: write %s: %v", ErrLocalFile, localPath, err)
	}
	return out.Close()
}

// detach runs on every unwinding path; a cancelled operation must still
// revoke its grant, hence the detached context.
func (e *Engine) detach(ctx context.Context, instanceID string) {
	if err := e.perms.Detach(context.WithoutCancel(ctx), instanceID); err != nil {
		logging.Warnf("transfer.Engine detach instance=%q err=%v", instanceID, err)
	}
}

// deleteObject removes the transient object, best effort: the lifecycle rule
// is the backstop when this fails.
func (e *Engine) deleteObject(ctx context.Context, bucket, key string) {
	if _, err := e.s3API.DeleteObject(context.WithoutCancel(ctx), &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		logging.Warnf("transfer.Engine delete transient bucket=%q key=%q err=%v", bucket, key, err)
	}
}

func waitPropagation(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// transferKey namespaces one transient object per operation.
func transferKey(path string) string {
	return "xfer/" + uuid.NewString() + "/" + filepath.Base(path)
}
