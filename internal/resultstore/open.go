package resultstore

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"

	"querybook/internal/domain"
)

// S3Options configures the s3:// backend.
type S3Options struct {
	Endpoint  string // host[:port] or full URL; empty uses AWS
	Region    string
	KeyID     string
	Secret    string
	Bucket    string
	Prefix    string
	PathStyle bool
}

// GCSOptions configures the gcs:// backend.
type GCSOptions struct {
	KeyFile string
	Bucket  string
	Prefix  string
}

// AzureOptions configures the azblob:// backend.
type AzureOptions struct {
	AccountName string
	AccountKey  string
	Container   string
	Prefix      string
}

// Options selects and configures the backend new results are written to.
type Options struct {
	Scheme   string // db, file, s3, gcs or azblob
	MaxBytes int
	Dir      string
	S3       S3Options
	GCS      GCSOptions
	Azure    AzureOptions
}

// Open builds the store described by o. The db:// backend is always
// readable so results written before a configuration change stay available.
func Open(ctx context.Context, o Options, blobs BlobRepository, logger *slog.Logger) (*Store, error) {
	dbBackend := NewDBBackend(blobs)
	extra := []Backend{dbBackend}

	var write Backend
	switch o.Scheme {
	case "", "db":
		write = dbBackend
	case "file":
		fb, err := NewFileBackend(o.Dir)
		if err != nil {
			return nil, err
		}
		write = fb
	case "s3":
		if o.S3.Bucket == "" {
			return nil, domain.ErrValidation("s3 result store requires a bucket")
		}
		write = NewS3Backend(NewS3Client(o.S3), o.S3.Bucket, o.S3.Prefix)
	case "gcs":
		if o.GCS.Bucket == "" {
			return nil, domain.ErrValidation("gcs result store requires a bucket")
		}
		var opts []option.ClientOption
		if o.GCS.KeyFile != "" {
			opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, o.GCS.KeyFile))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create GCS client: %w", err)
		}
		write = NewGCSBackend(client, o.GCS.Bucket, o.GCS.Prefix)
	case "azblob":
		if o.Azure.AccountName == "" || o.Azure.AccountKey == "" || o.Azure.Container == "" {
			return nil, domain.ErrValidation("azblob result store requires account name, key and container")
		}
		cred, err := azblob.NewSharedKeyCredential(o.Azure.AccountName, o.Azure.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("create shared key credential: %w", err)
		}
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", o.Azure.AccountName)
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("create Azure blob client: %w", err)
		}
		write = NewAzureBackend(client, o.Azure.Container, o.Azure.Prefix)
	default:
		return nil, domain.ErrValidation("unknown result store scheme %q", o.Scheme)
	}

	if o.Scheme != "file" && o.Dir != "" {
		if fb, err := NewFileBackend(o.Dir); err == nil {
			extra = append(extra, fb)
		}
	}
	logger.Info("result store configured", "scheme", write.Scheme(), "max_bytes", o.MaxBytes)
	return New(write, o.MaxBytes, logger, extra...), nil
}

// NewS3Client builds an S3 client with static credentials. A custom endpoint
// selects an S3-compatible service.
func NewS3Client(o S3Options) *s3.Client {
	opts := s3.Options{
		Region:       o.Region,
		UsePathStyle: o.PathStyle,
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if o.KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(o.KeyID, o.Secret, "")
	}
	if o.Endpoint != "" {
		endpoint := o.Endpoint
		if !hasScheme(endpoint) {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		opts.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}
	return s3.New(opts)
}

func hasScheme(s string) bool {
	for _, p := range []string{"http://", "https://"} {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}
