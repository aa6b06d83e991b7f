package remediate

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/lvonguyen/iamsentry/internal/resolve"
)

// fakeS3 serves a public-access-block state per bucket.
type fakeS3 struct {
	blocked map[string]bool
	puts    []string
}

func (f *fakeS3) GetPublicAccessBlock(_ context.Context, in *s3.GetPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	blocked, ok := f.blocked[aws.ToString(in.Bucket)]
	if !ok {
		return nil, &noSuchBlockErr{}
	}
	return &s3.GetPublicAccessBlockOutput{
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(blocked),
			BlockPublicPolicy:     aws.Bool(blocked),
			IgnorePublicAcls:      aws.Bool(blocked),
			RestrictPublicBuckets: aws.Bool(blocked),
		},
	}, nil
}

func (f *fakeS3) PutPublicAccessBlock(_ context.Context, in *s3.PutPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	bucket := aws.ToString(in.Bucket)
	f.puts = append(f.puts, bucket)
	if f.blocked == nil {
		f.blocked = map[string]bool{}
	}
	f.blocked[bucket] = true
	return &s3.PutPublicAccessBlockOutput{}, nil
}

// noSuchBlockErr mimics the service error for a bucket with no configuration.
type noSuchBlockErr struct{}

func (e *noSuchBlockErr) Error() string     { return "NoSuchPublicAccessBlockConfiguration" }
func (e *noSuchBlockErr) ErrorCode() string { return "NoSuchPublicAccessBlockConfiguration" }
func (e *noSuchBlockErr) ErrorMessage() string {
	return "The public access block configuration was not found"
}
func (e *noSuchBlockErr) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

// fakeIAM serves access-key and attached-policy state.
type fakeIAM struct {
	keys     map[string][]iamtypes.AccessKeyMetadata // by user
	policies map[string][]string                     // role -> policy ARNs
	updates  []string
	detaches []string
}

func (f *fakeIAM) ListAccessKeys(_ context.Context, in *iam.ListAccessKeysInput, _ ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error) {
	return &iam.ListAccessKeysOutput{
		AccessKeyMetadata: f.keys[aws.ToString(in.UserName)],
	}, nil
}

func (f *fakeIAM) UpdateAccessKey(_ context.Context, in *iam.UpdateAccessKeyInput, _ ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error) {
	f.updates = append(f.updates, aws.ToString(in.AccessKeyId))
	return &iam.UpdateAccessKeyOutput{}, nil
}

func (f *fakeIAM) ListAttachedRolePolicies(_ context.Context, in *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	var attached []iamtypes.AttachedPolicy
	for _, arn := range f.policies[aws.ToString(in.RoleName)] {
		attached = append(attached, iamtypes.AttachedPolicy{PolicyArn: aws.String(arn)})
	}
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: attached}, nil
}

func (f *fakeIAM) DetachRolePolicy(_ context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	f.detaches = append(f.detaches, aws.ToString(in.PolicyArn))
	return &iam.DetachRolePolicyOutput{}, nil
}

func planFor(action resolve.Action, ref string) resolve.Plan {
	return resolve.Plan{FindingID: "f-aws", Action: action, TargetRef: ref}
}

// =============================================================================
// Satisfied Tests
// =============================================================================

// TestAWSTarget_PublicAccessBlocked covers the three bucket states: fully
// blocked, unblocked, and no configuration at all.
func TestAWSTarget_PublicAccessBlocked(t *testing.T) {
	target := NewAWSTargetWithClients(&fakeS3{blocked: map[string]bool{
		"locked": true,
		"open":   false,
	}}, &fakeIAM{})

	cases := []struct {
		ref  string
		want bool
	}{
		{"bucket/locked", true},
		{"bucket/open", false},
		{"bucket/never-configured", false},
	}
	for _, tc := range cases {
		got, err := target.Satisfied(context.Background(), planFor(resolve.ActionBlockPublicAccess, tc.ref))
		if err != nil {
			t.Fatalf("%s: Satisfied should succeed: %v", tc.ref, err)
		}
		if got != tc.want {
			t.Errorf("%s: satisfied = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

// TestAWSTarget_CredentialInactive verifies the access-key state check,
// including the deleted-key case which counts as satisfied.
func TestAWSTarget_CredentialInactive(t *testing.T) {
	target := NewAWSTargetWithClients(&fakeS3{}, &fakeIAM{keys: map[string][]iamtypes.AccessKeyMetadata{
		"alice": {
			{AccessKeyId: aws.String("AKIAACTIVE"), Status: iamtypes.StatusTypeActive},
			{AccessKeyId: aws.String("AKIAOFF"), Status: iamtypes.StatusTypeInactive},
		},
	}})

	cases := []struct {
		ref  string
		want bool
	}{
		{"user/alice/key/AKIAACTIVE", false},
		{"user/alice/key/AKIAOFF", true},
		{"user/alice/key/AKIADELETED", true},
	}
	for _, tc := range cases {
		got, err := target.Satisfied(context.Background(), planFor(resolve.ActionDisableCredential, tc.ref))
		if err != nil {
			t.Fatalf("%s: Satisfied should succeed: %v", tc.ref, err)
		}
		if got != tc.want {
			t.Errorf("%s: satisfied = %v, want %v", tc.ref, got, tc.want)
		}
	}
}

// TestAWSTarget_PolicyDetached verifies the attached-policy state check.
func TestAWSTarget_PolicyDetached(t *testing.T) {
	arn := "arn:aws:iam::111122223333:policy/admin"
	target := NewAWSTargetWithClients(&fakeS3{}, &fakeIAM{policies: map[string][]string{
		"deploy": {arn},
	}})

	got, err := target.Satisfied(context.Background(), planFor(resolve.ActionRevokeStatement, "role/deploy/policy/"+arn))
	if err != nil {
		t.Fatalf("Satisfied should succeed: %v", err)
	}
	if got {
		t.Error("attached policy should not be satisfied")
	}

	got, err = target.Satisfied(context.Background(), planFor(resolve.ActionRevokeStatement, "role/other/policy/"+arn))
	if err != nil {
		t.Fatalf("Satisfied should succeed: %v", err)
	}
	if !got {
		t.Error("detached policy should be satisfied")
	}
}

// =============================================================================
// Apply Tests
// =============================================================================

// TestAWSTarget_Apply verifies each action drives the matching control-plane
// mutation.
func TestAWSTarget_Apply(t *testing.T) {
	s3Fake := &fakeS3{}
	iamFake := &fakeIAM{}
	target := NewAWSTargetWithClients(s3Fake, iamFake)
	ctx := context.Background()

	if err := target.Apply(ctx, planFor(resolve.ActionBlockPublicAccess, "bucket/acme-public")); err != nil {
		t.Fatalf("block public access should succeed: %v", err)
	}
	if len(s3Fake.puts) != 1 || s3Fake.puts[0] != "acme-public" {
		t.Errorf("expected one put on acme-public, got %v", s3Fake.puts)
	}

	if err := target.Apply(ctx, planFor(resolve.ActionDisableCredential, "user/alice/key/AKIAX")); err != nil {
		t.Fatalf("disable credential should succeed: %v", err)
	}
	if len(iamFake.updates) != 1 || iamFake.updates[0] != "AKIAX" {
		t.Errorf("expected one key update on AKIAX, got %v", iamFake.updates)
	}

	arn := "arn:aws:iam::111122223333:policy/admin"
	if err := target.Apply(ctx, planFor(resolve.ActionRevokeStatement, "role/deploy/policy/"+arn)); err != nil {
		t.Fatalf("revoke statement should succeed: %v", err)
	}
	if len(iamFake.detaches) != 1 || iamFake.detaches[0] != arn {
		t.Errorf("expected one detach of %s, got %v", arn, iamFake.detaches)
	}
}

// TestAWSTarget_UnsupportedAction verifies manual-review plans are rejected
// at the target layer; the executor must never route them here.
func TestAWSTarget_UnsupportedAction(t *testing.T) {
	target := NewAWSTargetWithClients(&fakeS3{}, &fakeIAM{})

	_, err := target.Satisfied(context.Background(), planFor(resolve.ActionManualReview, "bucket/b"))
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("expected ErrUnsupportedAction, got %v", err)
	}
	err = target.Apply(context.Background(), planFor(resolve.ActionManualReview, "bucket/b"))
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("expected ErrUnsupportedAction, got %v", err)
	}
}

// =============================================================================
// Reference Parsing Tests
// =============================================================================

// TestTargetRefParsing verifies the slash-delimited reference grammar.
func TestTargetRefParsing(t *testing.T) {
	if b, err := bucketRef("bucket/acme-public"); err != nil || b != "acme-public" {
		t.Errorf("bucketRef: got (%q, %v)", b, err)
	}
	if _, err := bucketRef("acme-public"); !errors.Is(err, ErrBadTargetRef) {
		t.Errorf("bucketRef without prefix should fail, got %v", err)
	}
	if _, err := bucketRef("bucket/"); !errors.Is(err, ErrBadTargetRef) {
		t.Errorf("bucketRef with empty name should fail, got %v", err)
	}

	user, key, err := credentialRef("user/alice/key/AKIAX")
	if err != nil || user != "alice" || key != "AKIAX" {
		t.Errorf("credentialRef: got (%q, %q, %v)", user, key, err)
	}
	if _, _, err := credentialRef("user/alice"); !errors.Is(err, ErrBadTargetRef) {
		t.Errorf("truncated credential ref should fail, got %v", err)
	}

	arn := "arn:aws:iam::111122223333:policy/admin"
	role, policy, err := policyRef("role/deploy/policy/" + arn)
	if err != nil || role != "deploy" || policy != arn {
		t.Errorf("policyRef: got (%q, %q, %v)", role, policy, err)
	}
	if _, _, err := policyRef("role/deploy/key/x"); !errors.Is(err, ErrBadTargetRef) {
		t.Errorf("wrong segment name should fail, got %v", err)
	}
}
