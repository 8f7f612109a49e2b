package backupsvc

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	srcRoot := t.TempDir()
	modelsDir := filepath.Join(srcRoot, "models")
	require.NoError(t, os.MkdirAll(filepath.Join(modelsDir, "abc"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(modelsDir, "abc", "model.json"), []byte(`{"chunks":[]}`), 0o644))

	extra := filepath.Join(t.TempDir(), "metadata.dump")
	require.NoError(t, os.WriteFile(extra, []byte("dump"), 0o600))

	archivePath := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, createArchive(modelsDir, archivePath, extra))

	destDir := t.TempDir()
	require.NoError(t, extractArchive(archivePath, destDir))

	restored, err := os.ReadFile(filepath.Join(destDir, "models", "abc", "model.json"))
	require.NoError(t, err)
	require.Equal(t, `{"chunks":[]}`, string(restored))

	dump, err := os.ReadFile(filepath.Join(destDir, "metadata.dump"))
	require.NoError(t, err)
	require.Equal(t, "dump", string(dump))
}

func TestArchiveMissingSourceDirStillCarriesExtras(t *testing.T) {
	extra := filepath.Join(t.TempDir(), "metadata.dump")
	require.NoError(t, os.WriteFile(extra, []byte("dump"), 0o600))

	archivePath := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, createArchive(filepath.Join(t.TempDir(), "absent"), archivePath, extra))

	destDir := t.TempDir()
	require.NoError(t, extractArchive(archivePath, destDir))
	_, err := os.Stat(filepath.Join(destDir, "metadata.dump"))
	require.NoError(t, err)
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../outside.txt",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     4,
	}))
	_, err = tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	err = extractArchive(archivePath, t.TempDir())
	require.ErrorContains(t, err, "escapes")
}
