package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Provider reads and writes s3://bucket/key objects. Credentials come from
// the standard AWS_* environment and shared config chain.
type s3Provider struct {
	client *s3.Client
}

func newS3Provider(ctx context.Context) (Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &s3Provider{client: s3.NewFromConfig(cfg)}, nil
}

func (p *s3Provider) DownloadFile(ctx context.Context, uri, dest string) error {
	bucket, key, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return fmt.Errorf("storage: getting %s: %w", uri, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("storage: creating %s: %w", filepath.Dir(dest), err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("storage: creating %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("storage: writing %s: %w", dest, err)
	}
	return f.Close()
}

func (p *s3Provider) UploadFile(ctx context.Context, src, uri string) error {
	bucket, key, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("storage: opening %s: %w", src, err)
	}
	defer f.Close()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("storage: putting %s: %w", uri, err)
	}
	return nil
}

func (p *s3Provider) ListFiles(ctx context.Context, uri string) ([]string, error) {
	bucket, prefix, err := splitObjectURI(uri)
	if err != nil {
		return nil, err
	}

	var files []string
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: listing %s: %w", uri, err)
		}
		for _, obj := range page.Contents {
			files = append(files, "s3://"+bucket+"/"+aws.ToString(obj.Key))
		}
	}
	return files, nil
}

func (p *s3Provider) DeleteFile(ctx context.Context, uri string) error {
	bucket, key, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: deleting %s: %w", uri, err)
	}
	return nil
}
