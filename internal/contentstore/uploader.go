package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrInvalidRef is returned for build output references that name no object.
var ErrInvalidRef = errors.New("invalid build output reference")

// ObjectFetcher opens build output objects.
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Adder stores content and returns its address.
type Adder interface {
	Add(r io.Reader, options ...shell.AddOpts) (string, error)
}

// Uploader moves build output from object storage into IPFS.
type Uploader struct {
	objects       ObjectFetcher
	ipfs          Adder
	defaultBucket string
	logger        *slog.Logger
}

// Config selects the object store and IPFS node.
type Config struct {
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Bucket    string
	S3UseSSL    bool
	IPFSAPIURL  string
	Timeout     time.Duration
}

// New connects an Uploader to MinIO/S3 and an IPFS HTTP API.
func New(cfg Config, logger *slog.Logger) (*Uploader, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	sh := shell.NewShell(cfg.IPFSAPIURL)
	if cfg.Timeout > 0 {
		sh.SetTimeout(cfg.Timeout)
	}
	return NewUploader(minioFetcher{client: client}, sh, cfg.S3Bucket, logger), nil
}

// NewUploader wires an Uploader from its parts.
func NewUploader(objects ObjectFetcher, ipfs Adder, defaultBucket string, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{objects: objects, ipfs: ipfs, defaultBucket: defaultBucket, logger: logger.With("component", "contentstore")}
}

// Upload streams the object named by ref into IPFS, pinned, and returns the CID.
// ref is either s3://bucket/key or a key in the default bucket.
func (u *Uploader) Upload(ctx context.Context, ref string) (string, error) {
	bucket, key, err := u.parseRef(ref)
	if err != nil {
		return "", err
	}
	body, err := u.objects.Fetch(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	started := time.Now()
	cid, err := u.ipfs.Add(&contextReader{ctx: ctx, r: body}, shell.Pin(true), shell.CidVersion(1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", retryable{fmt.Errorf("ipfs add interrupted: %w", ctxErr)}
		}
		return "", retryable{fmt.Errorf("ipfs add: %w", err)}
	}
	u.logger.Info("build output pinned", "bucket", bucket, "key", key, "cid", cid, "duration", time.Since(started))
	return cid, nil
}

func (u *Uploader) parseRef(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket == "" || strings.Trim(key, "/") == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
		return bucket, key, nil
	}
	key := strings.TrimLeft(ref, "/")
	if key == "" || u.defaultBucket == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return u.defaultBucket, key, nil
}

type minioFetcher struct {
	client *minio.Client
}

func (m minioFetcher) Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectError(bucket, key, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classifyObjectError(bucket, key, err)
	}
	return obj, nil
}

func classifyObjectError(bucket, key string, err error) error {
	wrapped := fmt.Errorf("fetch %s/%s: %w", bucket, key, err)
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "AccessDenied", "InvalidBucketName":
		return wrapped
	default:
		return retryable{wrapped}
	}
}

// retryable marks failures worth another attempt, such as network errors.
type retryable struct {
	err error
}

func (r retryable) Error() string   { return r.err.Error() }
func (r retryable) Unwrap() error   { return r.err }
func (r retryable) Transient() bool { return true }

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
