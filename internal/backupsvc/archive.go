package backupsvc

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// createArchive writes a gzipped tar of srcDir (plus extraFiles at the
// archive root) to destPath via a temp file and rename.
func createArchive(srcDir, destPath string, extraFiles ...string) error {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".backup-*")
	if err != nil {
		return fmt.Errorf("backup: creating temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	addFile := func(path, name string) error {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = name
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	if _, err := os.Stat(srcDir); err == nil {
		err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(filepath.Dir(srcDir), path)
			if err != nil {
				return err
			}
			return addFile(path, filepath.ToSlash(rel))
		})
		if err != nil {
			tw.Close()
			gz.Close()
			tmp.Close()
			return fmt.Errorf("backup: archiving %s: %w", srcDir, err)
		}
	}

	for _, extra := range extraFiles {
		if err := addFile(extra, filepath.Base(extra)); err != nil {
			tw.Close()
			gz.Close()
			tmp.Close()
			return fmt.Errorf("backup: archiving %s: %w", extra, err)
		}
	}

	if err := tw.Close(); err != nil {
		gz.Close()
		tmp.Close()
		return fmt.Errorf("backup: finalizing archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: finalizing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: closing archive: %w", err)
	}
	return os.Rename(tmp.Name(), destPath)
}

// extractArchive unpacks a gzipped tar into destDir, refusing entries that
// escape it.
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backup: opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("backup: reading archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("backup: reading archive entry: %w", err)
		}

		target := filepath.Join(destDir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("backup: archive entry %q escapes destination", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("backup: creating %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("backup: creating %s: %w", filepath.Dir(target), err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("backup: creating %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("backup: extracting %s: %w", target, err)
			}
			out.Close()
		}
	}
}
