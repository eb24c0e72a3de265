// Package s3util stages videos stored in S3 as local temporary files so the
// video backends, which only read local paths, can open them.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Scheme prefixes paths that live in S3.
const Scheme = "s3://"

// ObjectGetter is the subset of *s3.Client used for downloads.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// IsURI reports whether path uses the s3:// scheme.
func IsURI(path string) bool {
	return strings.HasPrefix(path, Scheme)
}

// ParseURI splits s3://bucket/key into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	if !IsURI(uri) {
		return "", "", fmt.Errorf("not an S3 URI: %q", uri)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, Scheme), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("S3 URI needs a bucket and a key: %q", uri)
	}
	return bucket, key, nil
}

// DownloadToTempFile downloads an S3 object to a new temporary file in dir
// (the default temp dir when empty) and returns the file path plus a cleanup
// function that removes it. The file keeps the key's extension so tools that
// sniff by name still work.
func DownloadToTempFile(ctx context.Context, client ObjectGetter, dir, bucket, key string) (string, func(), error) {
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Downloading from S3")

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return "", nil, fmt.Errorf("S3 GetObject: %w", err)
	}
	defer result.Body.Close()

	tmpFile, err := os.CreateTemp(dir, "s3dl-*"+filepath.Ext(key))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmpFile.Name()) }

	_, copyErr := io.Copy(tmpFile, result.Body)
	if err := errors.Join(copyErr, tmpFile.Close()); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return tmpFile.Name(), cleanup, nil
}
