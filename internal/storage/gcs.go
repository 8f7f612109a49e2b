package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// gcsProvider reads and writes gs://bucket/key objects. Credentials come from
// application default credentials (GOOGLE_APPLICATION_CREDENTIALS).
type gcsProvider struct {
	client *gcstorage.Client
}

func newGCSProvider(ctx context.Context) (Provider, error) {
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &gcsProvider{client: client}, nil
}

func (p *gcsProvider) DownloadFile(ctx context.Context, uri, dest string) error {
	bucket, key, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	r, err := p.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return fmt.Errorf("storage: opening %s: %w", uri, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("storage: creating %s: %w", filepath.Dir(dest), err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("storage: creating %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("storage: writing %s: %w", dest, err)
	}
	return f.Close()
}

func (p *gcsProvider) UploadFile(ctx context.Context, src, uri string) error {
	bucket, key, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("storage: opening %s: %w", src, err)
	}
	defer f.Close()

	w := p.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("storage: uploading %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: finalizing %s: %w", uri, err)
	}
	return nil
}

func (p *gcsProvider) ListFiles(ctx context.Context, uri string) ([]string, error) {
	bucket, prefix, err := splitObjectURI(uri)
	if err != nil {
		return nil, err
	}

	var files []string
	it := p.client.Bucket(bucket).Objects(ctx, &gcstorage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: listing %s: %w", uri, err)
		}
		files = append(files, "gs://"+bucket+"/"+attrs.Name)
	}
	return files, nil
}

func (p *gcsProvider) DeleteFile(ctx context.Context, uri string) error {
	bucket, key, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	err = p.client.Bucket(bucket).Object(key).Delete(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: deleting %s: %w", uri, err)
	}
	return nil
}
