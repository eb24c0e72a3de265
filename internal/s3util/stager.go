package s3util

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/nslt-input/internal/video"
)

// Stager resolves s3:// paths to downloaded temp files and leaves local
// paths untouched. Each Resolve downloads its own copy, which the returned
// release function removes.
type Stager struct {
	client ObjectGetter
	dir    string
}

// NewStager returns a Stager downloading into dir (the default temp dir when
// empty).
func NewStager(client ObjectGetter, dir string) *Stager {
	return &Stager{client: client, dir: dir}
}

// NewClient builds an S3 client from the default AWS configuration chain.
func NewClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return s3.NewFromConfig(cfg), nil
}

// Resolve returns a local path for path. Download failures are reported as
// video.ErrIO so the pipeline classifies them like unreadable files.
func (s *Stager) Resolve(ctx context.Context, path string) (string, func(), error) {
	if !IsURI(path) {
		return path, func() {}, nil
	}
	bucket, key, err := ParseURI(path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", video.ErrIO, err)
	}
	local, cleanup, err := DownloadToTempFile(ctx, s.client, s.dir, bucket, key)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", video.ErrIO, err)
	}
	log.Debug().
		Str("uri", path).
		Str("localPath", local).
		Msg("Staged S3 video")
	return local, cleanup, nil
}

var _ ObjectGetter = (*s3.Client)(nil)
