package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// azureProvider reads and writes azure://container/blob objects using the
// AZURE_STORAGE_CONNECTION_STRING credential.
type azureProvider struct {
	client *azblob.Client
}

func newAzureProvider(_ context.Context) (Provider, error) {
	conn := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if conn == "" {
		return nil, errors.New("AZURE_STORAGE_CONNECTION_STRING is not set")
	}
	client, err := azblob.NewClientFromConnectionString(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	return &azureProvider{client: client}, nil
}

func (p *azureProvider) DownloadFile(ctx context.Context, uri, dest string) error {
	container, blob, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("storage: creating %s: %w", filepath.Dir(dest), err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("storage: creating %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := p.client.DownloadFile(ctx, container, blob, f, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return fmt.Errorf("storage: downloading %s: %w", uri, err)
	}
	return f.Close()
}

func (p *azureProvider) UploadFile(ctx context.Context, src, uri string) error {
	container, blob, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("storage: opening %s: %w", src, err)
	}
	defer f.Close()

	if _, err := p.client.UploadFile(ctx, container, blob, f, nil); err != nil {
		return fmt.Errorf("storage: uploading %s: %w", uri, err)
	}
	return nil
}

func (p *azureProvider) ListFiles(ctx context.Context, uri string) ([]string, error) {
	container, prefix, err := splitObjectURI(uri)
	if err != nil {
		return nil, err
	}

	var files []string
	pager := p.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: listing %s: %w", uri, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				files = append(files, "azure://"+container+"/"+*item.Name)
			}
		}
	}
	return files, nil
}

func (p *azureProvider) DeleteFile(ctx context.Context, uri string) error {
	container, blob, err := splitObjectURI(uri)
	if err != nil {
		return err
	}
	if _, err := p.client.DeleteBlob(ctx, container, blob, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: deleting %s: %w", uri, err)
	}
	return nil
}
