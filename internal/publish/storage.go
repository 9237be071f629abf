package publish

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"antivibe/internal/filetree"
	"antivibe/internal/project"
)

// Archiver uploads a published tree. It returns where the archive landed.
type Archiver interface {
	Archive(ctx context.Context, dir string, manifest filetree.Manifest) (string, error)
}

// StorageProvider stores archive blobs under a key.
type StorageProvider interface {
	Upload(ctx context.Context, key string, data io.Reader, size int64) (string, error)
}

// TarballArchiver packs a published tree as tar.gz and hands it to a
// StorageProvider under <prefix>/<project>/<revision>.tar.gz.
type TarballArchiver struct {
	store  StorageProvider
	prefix string
}

// NewTarballArchiver returns an Archiver writing to store.
func NewTarballArchiver(store StorageProvider, prefix string) *TarballArchiver {
	return &TarballArchiver{store: store, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key for a manifest.
func (a *TarballArchiver) Key(manifest filetree.Manifest) string {
	return path.Join(a.prefix, manifest.Project, manifest.Revision+".tar.gz")
}

// Archive implements Archiver.
func (a *TarballArchiver) Archive(ctx context.Context, dir string, manifest filetree.Manifest) (string, error) {
	var buf bytes.Buffer
	if err := writeTarball(&buf, dir, manifest); err != nil {
		return "", fmt.Errorf("publish: archive: %w", err)
	}
	return a.store.Upload(ctx, a.Key(manifest), &buf, int64(buf.Len()))
}

// writeTarball packs the manifest's files plus the manifest itself in
// manifest order, with fixed modes and timestamps so equal trees give equal
// archives.
func writeTarball(w io.Writer, dir string, manifest filetree.Manifest) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	names := make([]string, 0, len(manifest.Files)+1)
	for _, e := range manifest.Files {
		names = append(names, e.Path)
	}
	names = append(names, project.ManifestName)
	sort.Strings(names)

	mtime := manifest.CompletedAt
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: mtime,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// LocalStorage implements StorageProvider for local filesystem storage
type LocalStorage struct {
	root *SafeRoot
}

// NewLocalStorage creates a new local storage provider
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		return nil, fmt.Errorf("publish: local archive directory is required")
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("publish: failed to create archive directory: %w", err)
	}
	root, err := NewSafeRoot(basePath)
	if err != nil {
		return nil, err
	}
	return &LocalStorage{root: root}, nil
}

// Upload writes data under key and returns a file:// URL.
func (s *LocalStorage) Upload(ctx context.Context, key string, data io.Reader, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("publish: failed to read archive: %w", err)
	}
	if err := s.root.WriteFile(key, b, 0o644); err != nil {
		return "", err
	}
	full, _ := s.root.Resolve(key)
	return "file://" + filepath.ToSlash(full), nil
}

// uploadAPI is the part of manager.Uploader the S3 storage uses.
type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Config locates the archive bucket.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional, for S3-compatible stores
	AccessKeyID     string // optional; the default credential chain is used when empty
	SecretAccessKey string
}

// S3Storage implements StorageProvider for AWS S3 storage.
type S3Storage struct {
	bucket   string
	uploader uploadAPI
}

// NewS3Storage creates a new S3 storage provider
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("publish: S3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("publish: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Storage(cfg.Bucket, manager.NewUploader(client)), nil
}

func newS3Storage(bucket string, uploader uploadAPI) *S3Storage {
	return &S3Storage{bucket: bucket, uploader: uploader}
}

// Upload uploads data to S3 and returns its s3:// URL.
func (s *S3Storage) Upload(ctx context.Context, key string, data io.Reader, size int64) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String("application/gzip"),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("publish: s3 upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// NewS3Archiver builds the tar.gz archiver over S3.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*TarballArchiver, error) {
	store, err := NewS3Storage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewTarballArchiver(store, cfg.Prefix), nil
}
