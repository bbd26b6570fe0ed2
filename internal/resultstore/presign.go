package resultstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"querybook/internal/domain"
)

// DefaultDownloadExpiry is the lifetime of a download link when none is given.
const DefaultDownloadExpiry = 15 * time.Minute

// MaxDownloadExpiry is the longest link lifetime; S3 SigV4 rejects more.
const MaxDownloadExpiry = 7 * 24 * time.Hour

// Presigner is implemented by backends that can hand out time-limited
// links to a stored result.
type Presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

var (
	_ Presigner = (*S3Backend)(nil)
	_ Presigner = (*GCSBackend)(nil)
	_ Presigner = (*AzureBackend)(nil)
)

// DownloadURL returns a link to the result at resultPath that is valid for
// expiry. Backends without object-store links return a NotImplemented error.
func (s *Store) DownloadURL(ctx context.Context, resultPath string, expiry time.Duration) (string, error) {
	scheme, key, ok := strings.Cut(resultPath, "://")
	if !ok || key == "" {
		return "", domain.ErrValidation("invalid result path %q", resultPath)
	}
	b, ok := s.backends[scheme]
	if !ok {
		return "", domain.ErrNotImplemented("no result backend for scheme %q", scheme)
	}
	p, ok := b.(Presigner)
	if !ok {
		return "", domain.ErrNotImplemented("%s results cannot be downloaded by link", scheme)
	}
	if expiry <= 0 {
		expiry = DefaultDownloadExpiry
	}
	if expiry > MaxDownloadExpiry {
		expiry = MaxDownloadExpiry
	}
	return p.PresignGet(ctx, key, expiry)
}

func (b *S3Backend) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	out, err := s3.NewPresignClient(b.client).PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(b.bucket),
		Key:                        aws.String(b.objectKey(key)),
		ResponseContentDisposition: aws.String(attachment(key)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign s3://%s/%s: %w", b.bucket, b.objectKey(key), err)
	}
	return out.URL, nil
}

func (b *GCSBackend) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	name := key
	if b.prefix != "" {
		name = b.prefix + "/" + key
	}
	u, err := b.client.Bucket(b.bucket).SignedURL(name, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(expiry),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("sign gcs://%s/%s: %w", b.bucket, name, err)
	}
	return u, nil
}

func (b *AzureBackend) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	blob := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.blobName(key))
	u, err := blob.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(expiry), nil)
	if err != nil {
		return "", fmt.Errorf("sign azblob://%s/%s: %w", b.container, b.blobName(key), err)
	}
	return u, nil
}

func attachment(key string) string {
	return fmt.Sprintf("attachment; filename=%q", path.Base(key))
}
