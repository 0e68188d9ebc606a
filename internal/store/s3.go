package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pguigue/mergin/internal/encryption"
	"github.com/pguigue/mergin/internal/mergin"
)

// S3Store is an S3-backed implementation of the ContentStore interface.
// Blobs are uploaded through the transfer manager, which switches to
// multipart uploads for large objects, so content streams without ever
// being buffered whole. A failed integrity check aborts the upload before
// the object becomes visible.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	enc      encryption.Encryptor
}

// S3Options configures an S3Store.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional custom endpoint (MinIO etc.)
	AccessKey string // optional static credentials
	SecretKey string
}

// NewS3Store creates an S3 content store for the given bucket.
func NewS3Store(ctx context.Context, opts S3Options, enc encryption.Encryptor) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		enc:      enc,
	}, nil
}

func (s *S3Store) key(checksum string) string {
	shard := checksum
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(s.prefix, "content", shard, checksum)
}

// Put stores content identified by its checksum. The plaintext is hashed
// while streaming into the uploader; a mismatch aborts the upload so no
// corrupt object ever becomes visible.
func (s *S3Store) Put(checksum string, r io.Reader, size int64) error {
	exists, err := s.Exists(checksum)
	if err != nil {
		return err
	}
	if exists {
		return verifyContent(checksum, r, size)
	}

	pr, pw := io.Pipe()
	go func() {
		hash := sha256.New()
		encWriter, err := s.enc.Encrypt(pw)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("wrapping writer: %w", err))
			return
		}
		written, err := io.Copy(io.MultiWriter(hash, encWriter), r)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("reading content: %w", err))
			return
		}
		if err := encWriter.Close(); err != nil {
			pw.CloseWithError(fmt.Errorf("finalizing content: %w", err))
			return
		}
		if written != size {
			pw.CloseWithError(fmt.Errorf("%w: declared %d bytes, received %d", mergin.ErrCorruptWrite, size, written))
			return
		}
		if hex.EncodeToString(hash.Sum(nil)) != checksum {
			pw.CloseWithError(fmt.Errorf("%w: content does not match checksum %s", mergin.ErrCorruptWrite, checksum))
			return
		}
		pw.Close()
	}()

	_, err = s.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(checksum)),
		Body:   pr,
	})
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("uploading blob %s: %w", checksum, err)
	}
	return nil
}

// Open returns a reader for stored content, decrypting if configured.
func (s *S3Store) Open(checksum string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(checksum)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: content %s", mergin.ErrNotFound, checksum)
		}
		return nil, fmt.Errorf("fetching blob %s: %w", checksum, err)
	}
	plain, err := s.enc.Decrypt(out.Body)
	if err != nil {
		out.Body.Close()
		return nil, fmt.Errorf("decrypting blob %s: %w", checksum, err)
	}
	return &readCloser{Reader: plain, close: out.Body.Close}, nil
}

// Exists reports whether content with the given checksum is stored.
func (s *S3Store) Exists(checksum string) (bool, error) {
	_, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(checksum)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob %s: %w", checksum, err)
	}
	return true, nil
}

// Delete removes a blob.
func (s *S3Store) Delete(checksum string) error {
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(checksum)),
	})
	if err != nil {
		return fmt.Errorf("deleting blob %s: %w", checksum, err)
	}
	return nil
}

// TotalSize sums the size of every object under the content prefix.
func (s *S3Store) TotalSize() (int64, error) {
	var total int64
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(path.Join(s.prefix, "content") + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return 0, fmt.Errorf("listing blobs: %w", err)
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
		}
	}
	return total, nil
}

// ValidateSetup verifies that the bucket is accessible.
func (s *S3Store) ValidateSetup() error {
	_, err := s.client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", s.bucket, err)
	}
	return nil
}

// Compile-time check that S3Store implements the ContentStore interface
var _ mergin.ContentStore = (*S3Store)(nil)
