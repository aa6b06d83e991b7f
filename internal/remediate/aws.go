package remediate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/lvonguyen/iamsentry/internal/resolve"
)

// ErrUnsupportedAction is returned when a plan carries an action the target
// client has no handler for.
var ErrUnsupportedAction = errors.New("unsupported remediation action")

// ErrBadTargetRef is returned when a resource reference does not parse for
// the action it is paired with.
var ErrBadTargetRef = errors.New("malformed target reference")

// s3API is the slice of the S3 control plane the target uses.
type s3API interface {
	GetPublicAccessBlock(ctx context.Context, in *s3.GetPublicAccessBlockInput, opts ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
	PutPublicAccessBlock(ctx context.Context, in *s3.PutPublicAccessBlockInput, opts ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
}

// iamAPI is the slice of the IAM control plane the target uses.
type iamAPI interface {
	ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, opts ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	UpdateAccessKey(ctx context.Context, in *iam.UpdateAccessKeyInput, opts ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, in *iam.ListAttachedRolePoliciesInput, opts ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, opts ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
}

// AWSTarget implements TargetClient against the identity and storage control
// planes of the governed accounts.
type AWSTarget struct {
	s3Client  s3API
	iamClient iamAPI
}

// NewAWSTarget builds a target from the default credential chain.
func NewAWSTarget(ctx context.Context, region string) (*AWSTarget, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &AWSTarget{
		s3Client:  s3.NewFromConfig(cfg),
		iamClient: iam.NewFromConfig(cfg),
	}, nil
}

// NewAWSTargetWithClients builds a target from pre-constructed clients.
func NewAWSTargetWithClients(s3Client s3API, iamClient iamAPI) *AWSTarget {
	return &AWSTarget{s3Client: s3Client, iamClient: iamClient}
}

// Satisfied reports whether the action's post-condition already holds on the
// live resource. This read-before-write is the idempotency mechanism: it
// trades extra read traffic for freedom from lock services.
func (t *AWSTarget) Satisfied(ctx context.Context, plan resolve.Plan) (bool, error) {
	switch plan.Action {
	case resolve.ActionBlockPublicAccess:
		return t.publicAccessBlocked(ctx, plan.TargetRef)
	case resolve.ActionDisableCredential:
		return t.credentialInactive(ctx, plan.TargetRef)
	case resolve.ActionRevokeStatement:
		return t.policyDetached(ctx, plan.TargetRef)
	}
	return false, fmt.Errorf("%w: %s", ErrUnsupportedAction, plan.Action)
}

// Apply converges the resource on the action's post-condition.
func (t *AWSTarget) Apply(ctx context.Context, plan resolve.Plan) error {
	switch plan.Action {
	case resolve.ActionBlockPublicAccess:
		return t.blockPublicAccess(ctx, plan.TargetRef)
	case resolve.ActionDisableCredential:
		return t.disableCredential(ctx, plan.TargetRef)
	case resolve.ActionRevokeStatement:
		return t.detachPolicy(ctx, plan.TargetRef)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedAction, plan.Action)
}

// publicAccessBlocked checks all four public-access-block flags on a bucket.
func (t *AWSTarget) publicAccessBlocked(ctx context.Context, ref string) (bool, error) {
	bucket, err := bucketRef(ref)
	if err != nil {
		return false, err
	}
	out, err := t.s3Client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		// No configuration at all means nothing is blocked yet.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchPublicAccessBlockConfiguration" {
			return false, nil
		}
		return false, fmt.Errorf("reading public access block for %s: %w", bucket, err)
	}
	cfg := out.PublicAccessBlockConfiguration
	if cfg == nil {
		return false, nil
	}
	return aws.ToBool(cfg.BlockPublicAcls) &&
		aws.ToBool(cfg.BlockPublicPolicy) &&
		aws.ToBool(cfg.IgnorePublicAcls) &&
		aws.ToBool(cfg.RestrictPublicBuckets), nil
}

func (t *AWSTarget) blockPublicAccess(ctx context.Context, ref string) error {
	bucket, err := bucketRef(ref)
	if err != nil {
		return err
	}
	_, err = t.s3Client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("blocking public access on %s: %w", bucket, err)
	}
	return nil
}

// credentialInactive reports whether the referenced access key is already
// inactive. A key that no longer exists counts as satisfied: someone deleted
// it, which is stronger than deactivation.
func (t *AWSTarget) credentialInactive(ctx context.Context, ref string) (bool, error) {
	user, keyID, err := credentialRef(ref)
	if err != nil {
		return false, err
	}
	out, err := t.iamClient.ListAccessKeys(ctx, &iam.ListAccessKeysInput{
		UserName: aws.String(user),
	})
	if err != nil {
		return false, fmt.Errorf("listing access keys for %s: %w", user, err)
	}
	for _, md := range out.AccessKeyMetadata {
		if aws.ToString(md.AccessKeyId) == keyID {
			return md.Status == iamtypes.StatusTypeInactive, nil
		}
	}
	return true, nil
}

func (t *AWSTarget) disableCredential(ctx context.Context, ref string) error {
	user, keyID, err := credentialRef(ref)
	if err != nil {
		return err
	}
	_, err = t.iamClient.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		UserName:    aws.String(user),
		AccessKeyId: aws.String(keyID),
		Status:      iamtypes.StatusTypeInactive,
	})
	if err != nil {
		return fmt.Errorf("deactivating access key %s for %s: %w", keyID, user, err)
	}
	return nil
}

// policyDetached reports whether the referenced managed policy is no longer
// attached to the role.
func (t *AWSTarget) policyDetached(ctx context.Context, ref string) (bool, error) {
	role, policyARN, err := policyRef(ref)
	if err != nil {
		return false, err
	}
	out, err := t.iamClient.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(role),
	})
	if err != nil {
		return false, fmt.Errorf("listing attached policies for %s: %w", role, err)
	}
	for _, p := range out.AttachedPolicies {
		if aws.ToString(p.PolicyArn) == policyARN {
			return false, nil
		}
	}
	return true, nil
}

func (t *AWSTarget) detachPolicy(ctx context.Context, ref string) error {
	role, policyARN, err := policyRef(ref)
	if err != nil {
		return err
	}
	_, err = t.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(role),
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		return fmt.Errorf("detaching policy %s from %s: %w", policyARN, role, err)
	}
	return nil
}

// Resource reference parsing. References are slash-delimited, as produced by
// the upstream provisioning layer:
//
//	bucket/<name>
//	user/<name>/key/<access-key-id>
//	role/<name>/policy/<policy-arn>

func bucketRef(ref string) (string, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] != "bucket" || parts[1] == "" {
		return "", fmt.Errorf("%w: want bucket/<name>, got %q", ErrBadTargetRef, ref)
	}
	return parts[1], nil
}

func credentialRef(ref string) (string, string, error) {
	parts := strings.SplitN(ref, "/", 4)
	if len(parts) != 4 || parts[0] != "user" || parts[2] != "key" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("%w: want user/<name>/key/<id>, got %q", ErrBadTargetRef, ref)
	}
	return parts[1], parts[3], nil
}

func policyRef(ref string) (string, string, error) {
	parts := strings.SplitN(ref, "/", 4)
	if len(parts) != 4 || parts[0] != "role" || parts[2] != "policy" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("%w: want role/<name>/policy/<arn>, got %q", ErrBadTargetRef, ref)
	}
	return parts[1], parts[3], nil
}
