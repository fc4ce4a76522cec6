package audit

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads rotated (closed) audit segments to cold storage once a
// segment is no longer the active write target. Archival never touches
// the chain itself; verify() always runs against the live JSONL file.
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

type ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewArchiver(ctx context.Context, cfg ArchiverConfig) (*Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// ArchiveSegment uploads the closed segment file at path, keyed by its
// base name under the archiver's prefix.
func (a *Archiver) ArchiveSegment(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("audit: reading segment %s: %w", path, err)
	}

	key := a.prefix + segmentName(path)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("audit: archiving segment %s: %w", path, err)
	}
	return nil
}

func segmentName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
