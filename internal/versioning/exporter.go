package versioning

import (
	"bytes"
	"context"
	stdErrors "errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	xerrors "Aetherra-Core/internal/errors"
)

// Exporter stores exported snapshot sources and reads them back by location.
type Exporter interface {
	Export(ctx context.Context, key string, data []byte) (string, error)
	Open(ctx context.Context, location string) ([]byte, error)
}

// FileExporter writes exports below a directory.
type FileExporter struct {
	Dir string
}

// Export implements Exporter.
func (e FileExporter) Export(_ context.Context, key string, data []byte) (string, error) {
	if e.Dir == "" {
		return "", xerrors.New(xerrors.CodeFailedPrecondition, "export directory not configured")
	}
	path := filepath.Join(e.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", xerrors.Wrap(CodeExportFailed, err, "create export directory")
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", xerrors.Wrap(CodeExportFailed, err, "write export")
	}
	return path, nil
}

// Open implements Exporter. location is either a path returned by Export or
// a key relative to Dir; anything resolving outside Dir is rejected.
func (e FileExporter) Open(_ context.Context, location string) ([]byte, error) {
	if e.Dir == "" {
		return nil, xerrors.New(xerrors.CodeFailedPrecondition, "export directory not configured")
	}
	rel, err := e.relative(location)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(e.Dir)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "export "+location)
	}
	if err != nil {
		return nil, xerrors.Wrap(CodeExportFailed, err, "open export directory")
	}
	defer root.Close()
	f, err := root.Open(rel)
	if stdErrors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "export "+location)
	}
	if err != nil {
		// os.Root refuses symlinks that leave the directory.
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "export "+location)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, xerrors.Wrap(CodeExportFailed, err, "read export")
	}
	return data, nil
}

func (e FileExporter) relative(location string) (string, error) {
	outside := xerrors.New(xerrors.CodeInvalidArgument, "location is outside the export directory: "+location)
	dir, err := filepath.Abs(e.Dir)
	if err != nil {
		return "", xerrors.Wrap(CodeExportFailed, err, "resolve export directory")
	}
	candidate := filepath.Clean(filepath.FromSlash(location))
	if !filepath.IsAbs(candidate) {
		// Export returns Dir-joined paths; a relative Dir makes those relative too.
		if within(filepath.Clean(e.Dir), candidate) {
			candidate, err = filepath.Abs(candidate)
			if err != nil {
				return "", outside
			}
		} else {
			candidate = filepath.Join(dir, candidate)
		}
	}
	rel, err := filepath.Rel(dir, candidate)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", outside
	}
	return rel, nil
}

// within reports whether target is dir itself or lies below it, lexically.
func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	return err == nil && filepath.IsLocal(rel)
}

// MinIOConfig addresses an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// MinIOExporter writes exports to an object store. Locations have the form
// s3://<bucket>/<key>.
type MinIOExporter struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOExporter connects to the object store and makes sure the bucket exists.
func NewMinIOExporter(ctx context.Context, cfg MinIOConfig) (*MinIOExporter, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "export bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create minio client")
	}
	e := &MinIOExporter{client: mc, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}
	if err := e.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *MinIOExporter) ensureBucket(ctx context.Context) error {
	exists, err := e.client.BucketExists(ctx, e.bucket)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "check export bucket")
	}
	if exists {
		return nil
	}
	if err := e.client.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another process may have created it in the meantime.
		if exists, checkErr := e.client.BucketExists(ctx, e.bucket); checkErr == nil && exists {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create export bucket "+e.bucket)
	}
	return nil
}

// Export implements Exporter.
func (e *MinIOExporter) Export(ctx context.Context, key string, data []byte) (string, error) {
	if e.prefix != "" {
		key = e.prefix + "/" + key
	}
	_, err := e.client.PutObject(ctx, e.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", xerrors.Wrap(CodeExportFailed, err, "put object "+key)
	}
	return "s3://" + e.bucket + "/" + key, nil
}

// Open implements Exporter. Only objects in the configured bucket and below
// the configured prefix can be read.
func (e *MinIOExporter) Open(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := e.objectKey(location)
	if err != nil {
		return nil, err
	}
	if _, err := e.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "export "+location)
		}
		return nil, xerrors.Wrap(CodeExportFailed, err, "stat object "+key)
	}
	obj, err := e.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, xerrors.Wrap(CodeExportFailed, err, "get object "+key)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, xerrors.Wrap(CodeExportFailed, err, "read object "+key)
	}
	return data, nil
}

func (e *MinIOExporter) objectKey(location string) (string, string, error) {
	bucket, key, ok := parseObjectLocation(location)
	if !ok {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, "not an object location: "+location)
	}
	if bucket != e.bucket {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, "location is outside the export bucket: "+location)
	}
	rel := key
	if e.prefix != "" {
		var found bool
		if rel, found = strings.CutPrefix(key, e.prefix+"/"); !found {
			return "", "", xerrors.New(xerrors.CodeInvalidArgument, "location is outside the export prefix: "+location)
		}
	}
	if rel == "" || path.Clean(rel) != rel || !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, "invalid object key: "+location)
	}
	return bucket, key, nil
}

func parseObjectLocation(location string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(location, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
