package providers

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"

	"autopilot-orchestrator/internal/config"
)

// Blobs stores rendered media under tenant-scoped keys.
type Blobs interface {
	// Put writes the object and returns its URI.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	// Exists returns the URI of an existing object.
	Exists(ctx context.Context, key string) (string, bool, error)
	// Read loads an object by the URI Put returned.
	Read(ctx context.Context, uri string) ([]byte, error)
}

// NewBlobs picks S3 when a bucket is configured or the backend says so, local disk otherwise.
func NewBlobs(ctx context.Context, cfg config.Config) (Blobs, error) {
	if cfg.StorageBackend == "s3" || cfg.StorageS3Bucket != "" {
		return NewS3Blobs(ctx, S3Config{
			Bucket:    cfg.StorageS3Bucket,
			Region:    cfg.StorageS3Region,
			Endpoint:  cfg.StorageS3Endpoint,
			PathStyle: cfg.StorageS3PathStyle,
			Prefix:    cfg.StorageS3Prefix,
		})
	}
	return NewLocalBlobs(cfg.StorageLocalDir), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// LocalBlobs writes objects below a base directory.
type LocalBlobs struct {
	baseDir string
}

func NewLocalBlobs(baseDir string) *LocalBlobs {
	if baseDir == "" {
		baseDir = "./data/storage"
	}
	return &LocalBlobs{baseDir: baseDir}
}

func (l *LocalBlobs) path(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
}

func (l *LocalBlobs) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create dirs")
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", errors.Wrap(err, "write file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.Wrap(err, "finalize file")
	}
	return path, nil
}

func (l *LocalBlobs) Exists(_ context.Context, key string) (string, bool, error) {
	path := l.path(key)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "stat blob")
	}
	return path, info.Size() > 0, nil
}

func (l *LocalBlobs) Read(_ context.Context, uri string) ([]byte, error) {
	data, err := os.ReadFile(uri)
	return data, errors.Wrapf(err, "read blob %s", uri)
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
}

// S3Blobs stores objects in an S3-compatible bucket.
type S3Blobs struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Blobs(ctx context.Context, cfg S3Config) (*S3Blobs, error) {
	if cfg.Bucket == "" {
		return nil, errors.WithHint(errors.New("s3 storage selected without a bucket"), "set STORAGE_S3_BUCKET")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Blobs{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *S3Blobs) key(key string) string {
	key = sanitizeKey(key)
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Blobs) uri(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func (s *S3Blobs) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	full := s.key(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	return s.uri(full), nil
}

func (s *S3Blobs) Exists(ctx context.Context, key string) (string, bool, error) {
	full := s.key(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(full)})
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "head object")
	}
	return s.uri(full), aws.ToInt64(out.ContentLength) > 0, nil
}

func (s *S3Blobs) Read(ctx context.Context, uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, "s3://"+s.bucket+"/")
	if !ok {
		return nil, errors.Newf("uri %q is not in bucket %s", uri, s.bucket)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(rest)})
	if err != nil {
		return nil, errors.Wrap(err, "get object")
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	return data, errors.Wrap(err, "read object")
}
