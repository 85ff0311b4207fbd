package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/opsgate/ssmctl/internal/logging"
)

// EnsureBucket makes the per-account-per-region transfer bucket exist with
// encryption at rest, a one-day expiration rule, and public access blocked.
// Idempotent: an existing bucket is trusted as already configured.
func (e *Engine) EnsureBucket(ctx context.Context) (string, error) {
	ident, err := e.stsAPI.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("transfer: resolve account: %w", err)
	}
	bucket := fmt.Sprintf("%s-%s-%s", e.cfg.BucketPrefix, aws.ToString(ident.Account), e.cfg.Region)

	if _, err := e.s3API.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return bucket, nil
	}

	createIn := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if e.cfg.Region != "us-east-1" {
		createIn.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(e.cfg.Region),
		}
	}
	if _, err := e.s3API.CreateBucket(ctx, createIn); err != nil && !bucketAlreadyOwned(err) {
		return "", fmt.Errorf("transfer: create bucket %s: %w", bucket, err)
	}

	if _, err := e.s3API.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(bucket),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
					SSEAlgorithm: s3types.ServerSideEncryptionAes256,
				},
			}},
		},
	}); err != nil {
		return "", fmt.Errorf("transfer: set bucket encryption on %s: %w", bucket, err)
	}

	if _, err := e.s3API.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(bucket),
		LifecycleConfiguration: &s3types.BucketLifecycleConfiguration{
			Rules: []s3types.LifecycleRule{{
				ID:         aws.String("ssmctl-expire-transients"),
				Status:     s3types.ExpirationStatusEnabled,
				Filter:     &s3types.LifecycleRuleFilter{Prefix: aws.String("")},
				Expiration: &s3types.LifecycleExpiration{Days: aws.Int32(1)},
			}},
		},
	}); err != nil {
		return "", fmt.Errorf("transfer: set bucket lifecycle on %s: %w", bucket, err)
	}

	if _, err := e.s3API.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}); err != nil {
		return "", fmt.Errorf("transfer: block public access on %s: %w", bucket, err)
	}

	logging.Infof("transfer.Engine.EnsureBucket created bucket=%q", bucket)
	return bucket, nil
}

func bucketAlreadyOwned(err error) bool {
	var owned *s3types.BucketAlreadyOwnedByYou
	var exists *s3types.BucketAlreadyExists
	return errors.As(err, &owned) || errors.As(err, &exists)
}
