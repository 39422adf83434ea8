package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/glucosync/internal/db"
	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/models"
)

type staticLister struct {
	readings []*models.Reading
	err      error
}

func (s staticLister) ListReadings(context.Context, db.ReadingFilter) ([]*models.Reading, error) {
	return s.readings, s.err
}

func sampleReadings() []*models.Reading {
	return []*models.Reading{
		{
			ID: "r-1", BackendID: "101", Value: 120, Unit: models.UnitMgDL,
			Timestamp: 1700000000, MealContext: "before_breakfast", Synced: true,
		},
		{
			ID: "r-2", Value: 6.7, Unit: models.UnitMmolL,
			Timestamp: 1700003600, Notes: "after run, tired",
		},
	}
}

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	return NewService(staticLister{readings: sampleReadings()}, dir), dir
}

func TestWriteCSV_golden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleReadings()))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "readings_csv", buf.Bytes())
}

func TestExport_verifyRoundTrip(t *testing.T) {
	svc, dir := newTestService(t)
	ctx := context.Background()

	res, err := svc.Export(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(res.Path))
	assert.Equal(t, 2, res.ReadingCount)
	assert.False(t, res.Encrypted)

	info, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.Equal(t, res.SizeBytes, info.Size())

	manifest, err := svc.Verify(ctx, res.Path, "")
	require.NoError(t, err)
	assert.Equal(t, 2, manifest.ReadingCount)
	assert.Equal(t, res.Checksum, manifest.Checksum)
	assert.Equal(t, manifestVersion, manifest.Version)

	readings, err := svc.ReadReadings(ctx, res.Path, "")
	require.NoError(t, err)
	assert.Equal(t, sampleReadings(), readings)
}

func TestExport_encrypted(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	const password = "export-password"

	res, err := svc.Export(ctx, Options{Password: password})
	require.NoError(t, err)
	assert.True(t, res.Encrypted)

	_, err = svc.Verify(ctx, res.Path, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPassword))

	_, err = svc.Verify(ctx, res.Path, "wrong-password")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPassword))

	manifest, err := svc.Verify(ctx, res.Path, password)
	require.NoError(t, err)
	assert.True(t, manifest.Encrypted)
}

func TestExport_shortPasswordWritesNothing(t *testing.T) {
	svc, dir := newTestService(t)

	_, err := svc.Export(context.Background(), Options{Password: "short"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidPassword))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExport_storeFailure(t *testing.T) {
	svc := NewService(staticLister{err: errors.New("disk gone")}, t.TempDir())

	_, err := svc.Export(context.Background(), Options{})
	assert.True(t, apperrors.Is(err, apperrors.ErrExportFailed))
}

func TestExport_explicitPath(t *testing.T) {
	svc, _ := newTestService(t)
	path := filepath.Join(t.TempDir(), "nested", "backup.tar.gz")

	res, err := svc.Export(context.Background(), Options{OutputPath: path})
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.FileExists(t, path)
}

func TestVerify_detectsCorruption(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := svc.Verify(ctx, filepath.Join(dir, "nope.tar.gz"), "")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("not an archive", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.tar.gz")
		require.NoError(t, os.WriteFile(path, []byte("definitely not gzip"), 0o600))
		_, err := svc.Verify(ctx, path, "")
		assert.True(t, apperrors.Is(err, apperrors.ErrCorruptedArchive))
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		manifest, err := json.Marshal(Manifest{Version: manifestVersion, ReadingCount: 0, Checksum: "bad"})
		require.NoError(t, err)
		data, err := buildArchive(time.Now(), []archiveEntry{
			{ManifestFile, manifest},
			{ReadingsJSON, []byte("[]")},
		})
		require.NoError(t, err)
		path := filepath.Join(dir, "tampered.tar.gz")
		require.NoError(t, os.WriteFile(path, data, 0o600))

		_, err = svc.Verify(ctx, path, "")
		assert.True(t, apperrors.Is(err, apperrors.ErrCorruptedArchive))
		assert.ErrorContains(t, err, "checksum mismatch")
	})

	t.Run("missing manifest", func(t *testing.T) {
		data, err := buildArchive(time.Now(), []archiveEntry{{ReadingsJSON, []byte("[]")}})
		require.NoError(t, err)
		path := filepath.Join(dir, "nomanifest.tar.gz")
		require.NoError(t, os.WriteFile(path, data, 0o600))

		_, err = svc.Verify(ctx, path, "")
		assert.ErrorContains(t, err, "manifest missing")
	})
}

func TestExport_retention(t *testing.T) {
	svc, dir := newTestService(t)
	clock := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	var paths []string
	for i := 0; i < 4; i++ {
		res, err := svc.Export(context.Background(), Options{Keep: 2})
		require.NoError(t, err)
		paths = append(paths, res.Path)
	}

	remaining, err := filepath.Glob(filepath.Join(dir, "*.tar.gz"))
	require.NoError(t, err)
	assert.ElementsMatch(t, paths[2:], remaining)
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"glucosync_20260101_080000.000000.tar.gz",
		"glucosync_20260102_080000.000000.tar.gz",
		"glucosync_20260103_080000.000000.tar.gz",
		"unrelated.tar.gz",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o600))
	}

	removed, err := Prune(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, names[0]),
		filepath.Join(dir, names[1]),
	}, removed)
	assert.FileExists(t, filepath.Join(dir, names[2]))
	assert.FileExists(t, filepath.Join(dir, names[3]))

	removed, err = Prune(dir, 5)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
