package hygiene

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// iamAPI is the slice of the IAM control plane the directory uses.
type iamAPI interface {
	ListUsers(ctx context.Context, in *iam.ListUsersInput, opts ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	ListAccessKeys(ctx context.Context, in *iam.ListAccessKeysInput, opts ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	UpdateAccessKey(ctx context.Context, in *iam.UpdateAccessKeyInput, opts ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error)
}

// IAMDirectory enumerates long-lived access keys through the IAM control
// plane of the governed account.
type IAMDirectory struct {
	client iamAPI
}

// NewIAMDirectory builds a directory from the default credential chain.
func NewIAMDirectory(ctx context.Context, region string) (*IAMDirectory, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &IAMDirectory{client: iam.NewFromConfig(cfg)}, nil
}

// NewIAMDirectoryWithClient builds a directory from a pre-constructed client.
func NewIAMDirectoryWithClient(client iamAPI) *IAMDirectory {
	return &IAMDirectory{client: client}
}

// ListCredentials walks every user's access keys, following pagination
// markers on both listings.
func (d *IAMDirectory) ListCredentials(ctx context.Context) ([]Credential, error) {
	var creds []Credential

	var userMarker *string
	for {
		users, err := d.client.ListUsers(ctx, &iam.ListUsersInput{Marker: userMarker})
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}

		for _, user := range users.Users {
			userName := aws.ToString(user.UserName)

			var keyMarker *string
			for {
				keys, err := d.client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{
					UserName: aws.String(userName),
					Marker:   keyMarker,
				})
				if err != nil {
					return nil, fmt.Errorf("listing access keys for %s: %w", userName, err)
				}

				for _, md := range keys.AccessKeyMetadata {
					status := StatusActive
					if md.Status == iamtypes.StatusTypeInactive {
						status = StatusDeactivated
					}
					creds = append(creds, Credential{
						OwnerID:      userName,
						CredentialID: aws.ToString(md.AccessKeyId),
						CreatedAt:    aws.ToTime(md.CreateDate),
						Status:       status,
					})
				}

				if !keys.IsTruncated {
					break
				}
				keyMarker = keys.Marker
			}
		}

		if !users.IsTruncated {
			break
		}
		userMarker = users.Marker
	}

	return creds, nil
}

// DeactivateCredential marks one access key inactive.
func (d *IAMDirectory) DeactivateCredential(ctx context.Context, ownerID, credentialID string) error {
	_, err := d.client.UpdateAccessKey(ctx, &iam.UpdateAccessKeyInput{
		UserName:    aws.String(ownerID),
		AccessKeyId: aws.String(credentialID),
		Status:      iamtypes.StatusTypeInactive,
	})
	if err != nil {
		return fmt.Errorf("deactivating access key %s for %s: %w", credentialID, ownerID, err)
	}
	return nil
}
