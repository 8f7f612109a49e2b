package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// localProvider copies files on the shared filesystem. Writes go through a
// temp file plus rename so a crashed copy never leaves a partial object.
type localProvider struct{}

func (p *localProvider) DownloadFile(_ context.Context, uri, dest string) error {
	return copyFile(uri, dest)
}

func (p *localProvider) UploadFile(_ context.Context, src, uri string) error {
	return copyFile(src, uri)
}

func (p *localProvider) ListFiles(_ context.Context, uri string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(uri, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: listing %s: %w", uri, err)
	}
	return files, nil
}

func (p *localProvider) DeleteFile(_ context.Context, uri string) error {
	err := os.Remove(uri)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if err != nil {
		return fmt.Errorf("storage: opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("storage: creating %s: %w", filepath.Dir(dest), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".copy-*")
	if err != nil {
		return fmt.Errorf("storage: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: copying to %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: closing temp file: %w", err)
	}
	return os.Rename(tmp.Name(), dest)
}
