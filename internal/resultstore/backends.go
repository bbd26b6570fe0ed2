package resultstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"querybook/internal/domain"
)

var (
	_ Backend = (*DBBackend)(nil)
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*S3Backend)(nil)
	_ Backend = (*GCSBackend)(nil)
	_ Backend = (*AzureBackend)(nil)
)

// BlobRepository persists result blobs in the metadata database.
// Implemented by repository.ResultBlobRepo.
type BlobRepository interface {
	Put(ctx context.Context, path string, content []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
}

// DBBackend stores results in the metadata database (db://).
type DBBackend struct {
	repo BlobRepository
}

// NewDBBackend creates a db:// backend.
func NewDBBackend(repo BlobRepository) *DBBackend {
	return &DBBackend{repo: repo}
}

func (b *DBBackend) Scheme() string { return "db" }

func (b *DBBackend) Put(ctx context.Context, key string, data []byte) error {
	return b.repo.Put(ctx, key, data)
}

func (b *DBBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return b.repo.Get(ctx, key)
}

// FileBackend stores results below a local directory (file://).
type FileBackend struct {
	root string
}

// NewFileBackend creates a file:// backend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve result dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	return &FileBackend{root: abs}, nil
}

func (b *FileBackend) Scheme() string { return "file" }

// resolve maps key below root, rejecting keys that escape it.
func (b *FileBackend) resolve(key string) (string, error) {
	p := filepath.Join(b.root, filepath.FromSlash(path.Clean("/"+key)))
	if !strings.HasPrefix(p, b.root+string(filepath.Separator)) {
		return "", domain.ErrValidation("invalid result key %q", key)
	}
	return p, nil
}

func (b *FileBackend) Put(_ context.Context, key string, data []byte) error {
	p, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o640)
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	p, err := b.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNotFound("result %q not found", key)
	}
	return data, err
}

// S3Backend stores results in an S3-compatible bucket (s3://).
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend creates an s3:// backend. Keys are stored below prefix.
func NewS3Backend(client *s3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (b *S3Backend) Scheme() string { return "s3" }

func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", b.bucket, b.objectKey(key), err)
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, domain.ErrNotFound("result %q not found", key)
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", b.bucket, b.objectKey(key), err)
	}
	defer out.Body.Close() //nolint:errcheck
	return io.ReadAll(out.Body)
}

// GCSBackend stores results in a Cloud Storage bucket (gcs://).
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBackend creates a gcs:// backend.
func NewGCSBackend(client *storage.Client, bucket, prefix string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (b *GCSBackend) Scheme() string { return "gcs" }

func (b *GCSBackend) object(key string) *storage.ObjectHandle {
	name := key
	if b.prefix != "" {
		name = b.prefix + "/" + key
	}
	return b.client.Bucket(b.bucket).Object(name)
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	w := b.object(key).NewWriter(ctx)
	w.ContentType = "text/csv"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gcs object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs object %q: %w", key, err)
	}
	return nil
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, domain.ErrNotFound("result %q not found", key)
		}
		return nil, fmt.Errorf("open gcs object %q: %w", key, err)
	}
	defer r.Close() //nolint:errcheck
	return io.ReadAll(r)
}

// AzureBackend stores results in an Azure Blob Storage container (azblob://).
type AzureBackend struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureBackend creates an azblob:// backend.
func NewAzureBackend(client *azblob.Client, container, prefix string) *AzureBackend {
	return &AzureBackend{client: client, container: container, prefix: strings.Trim(prefix, "/")}
}

func (b *AzureBackend) Scheme() string { return "azblob" }

func (b *AzureBackend) blobName(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

func (b *AzureBackend) Put(ctx context.Context, key string, data []byte) error {
	if _, err := b.client.UploadBuffer(ctx, b.container, b.blobName(key), data, nil); err != nil {
		return fmt.Errorf("upload blob %q: %w", key, err)
	}
	return nil
}

func (b *AzureBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.blobName(key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, domain.ErrNotFound("result %q not found", key)
		}
		return nil, fmt.Errorf("download blob %q: %w", key, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	return io.ReadAll(resp.Body)
}
