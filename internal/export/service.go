// Package export writes readings to portable archives and checks them.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/diabetactic/glucosync/internal/db"
	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/export/crypto"
	"github.com/diabetactic/glucosync/internal/logging"
	"github.com/diabetactic/glucosync/internal/models"
	"github.com/diabetactic/glucosync/internal/telemetry"
)

// Archive member names.
const (
	ManifestFile = "manifest.json"
	ReadingsJSON = "readings.json"
	ReadingsCSV  = "readings.csv"

	manifestVersion = "1.0"
	archivePrefix   = "glucosync_"
	archiveSuffix   = ".tar.gz"
)

// ReadingLister is the part of the store an export reads.
type ReadingLister interface {
	ListReadings(ctx context.Context, filter db.ReadingFilter) ([]*models.Reading, error)
}

// Service provides export functionality.
type Service struct {
	store  ReadingLister
	dir    string
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a Service writing archives to dir by default.
func NewService(store ReadingLister, dir string) *Service {
	return &Service{
		store:  store,
		dir:    dir,
		tracer: telemetry.Tracer(),
		now:    time.Now,
	}
}

// Options holds export configuration.
type Options struct {
	// OutputPath overrides the generated archive path.
	OutputPath string
	// Password enables encryption. It is never written to the archive.
	Password string
	// Keep is the number of generated archives kept in the export
	// directory. Zero keeps all of them.
	Keep int
}

// Manifest describes an archive's contents.
type Manifest struct {
	Version      string    `json:"version"`
	ExportedAt   time.Time `json:"exported_at"`
	ReadingCount int       `json:"reading_count"`
	Checksum     string    `json:"checksum"`
	CSVChecksum  string    `json:"csv_checksum"`
	Encrypted    bool      `json:"encrypted"`
}

// Result represents the result of an export operation.
type Result struct {
	Path         string        `json:"path"`
	SizeBytes    int64         `json:"size_bytes"`
	ReadingCount int           `json:"reading_count"`
	Checksum     string        `json:"checksum"`
	Encrypted    bool          `json:"encrypted"`
	Duration     time.Duration `json:"duration"`
}

// Export writes every local reading to a tar.gz archive holding a manifest,
// the readings as JSON and the readings as CSV.
func (s *Service) Export(ctx context.Context, opts Options) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "export.archive")
	defer span.End()

	res, err := s.export(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.ErrorCtx(ctx, "export failed", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("export.readings", res.ReadingCount))
	logging.InfoCtx(ctx, "export completed", map[string]any{
		"file":       res.Path,
		"size_bytes": res.SizeBytes,
		"readings":   res.ReadingCount,
		"encrypted":  res.Encrypted,
	})
	return res, nil
}

func (s *Service) export(ctx context.Context, opts Options) (*Result, error) {
	start := s.now()

	if opts.Password != "" {
		if err := crypto.ValidatePassword(opts.Password); err != nil {
			return nil, err
		}
	}

	readings, err := s.store.ListReadings(ctx, db.ReadingFilter{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "list readings", err)
	}

	jsonData, err := json.MarshalIndent(readings, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "encode readings", err)
	}
	var csvBuf bytes.Buffer
	if err := WriteCSV(&csvBuf, readings); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "render csv", err)
	}

	manifest := Manifest{
		Version:      manifestVersion,
		ExportedAt:   start.UTC(),
		ReadingCount: len(readings),
		Checksum:     checksum(jsonData),
		CSVChecksum:  checksum(csvBuf.Bytes()),
		Encrypted:    opts.Password != "",
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "encode manifest", err)
	}

	archive, err := buildArchive(start, []archiveEntry{
		{ManifestFile, manifestData},
		{ReadingsJSON, jsonData},
		{ReadingsCSV, csvBuf.Bytes()},
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "build archive", err)
	}
	if opts.Password != "" {
		if archive, err = crypto.EncryptArchive(archive, opts.Password); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrExportFailed, "encrypt archive", err)
		}
	}

	path := opts.OutputPath
	if path == "" {
		path = filepath.Join(s.dir, archivePrefix+start.UTC().Format("20060102_150405.000000")+archiveSuffix)
	}
	if err := writeFileAtomic(path, archive); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrExportFailed, "write archive", err)
	}

	if opts.Keep > 0 && opts.OutputPath == "" {
		if _, err := Prune(s.dir, opts.Keep); err != nil {
			logging.Warn("retention policy failed", map[string]any{"error": err.Error()})
		}
	}

	return &Result{
		Path:         path,
		SizeBytes:    int64(len(archive)),
		ReadingCount: len(readings),
		Checksum:     manifest.Checksum,
		Encrypted:    manifest.Encrypted,
		Duration:     s.now().Sub(start),
	}, nil
}

// Verify re-reads an archive and checks its members against the manifest.
// Encrypted archives need the password used to create them.
func (s *Service) Verify(ctx context.Context, path, password string) (*Manifest, error) {
	_, span := s.tracer.Start(ctx, "export.verify")
	defer span.End()

	manifest, _, err := readArchive(path, password)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return manifest, nil
}

// ReadReadings returns the readings stored in a verified archive.
func (s *Service) ReadReadings(ctx context.Context, path, password string) ([]*models.Reading, error) {
	_, files, err := readArchive(path, password)
	if err != nil {
		return nil, err
	}
	var readings []*models.Reading
	if err := json.Unmarshal(files[ReadingsJSON], &readings); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "decode readings", err)
	}
	return readings, nil
}

func readArchive(path, password string) (*Manifest, map[string][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrNotFound, "read archive", err)
	}

	if crypto.IsEncrypted(data) {
		if password == "" {
			return nil, nil, apperrors.New(apperrors.ErrInvalidPassword, "archive is encrypted")
		}
		if data, err = crypto.DecryptArchive(data, password); err != nil {
			return nil, nil, err
		}
	}

	files, err := extractArchive(data)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "extract archive", err)
	}

	raw, ok := files[ManifestFile]
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrCorruptedArchive, "manifest missing")
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "decode manifest", err)
	}

	if got := checksum(files[ReadingsJSON]); got != manifest.Checksum {
		return nil, nil, apperrors.Newf(apperrors.ErrCorruptedArchive, "%s checksum mismatch", ReadingsJSON)
	}
	if got := checksum(files[ReadingsCSV]); got != manifest.CSVChecksum {
		return nil, nil, apperrors.Newf(apperrors.ErrCorruptedArchive, "%s checksum mismatch", ReadingsCSV)
	}

	var readings []json.RawMessage
	if err := json.Unmarshal(files[ReadingsJSON], &readings); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrCorruptedArchive, "decode readings", err)
	}
	if len(readings) != manifest.ReadingCount {
		return nil, nil, apperrors.Newf(apperrors.ErrCorruptedArchive,
			"manifest lists %d readings, archive holds %d", manifest.ReadingCount, len(readings))
	}
	return &manifest, files, nil
}

// Prune removes the oldest generated archives in dir so that at most keep
// remain. It returns the removed paths.
func Prune(dir string, keep int) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, archivePrefix+"*"+archiveSuffix))
	if err != nil {
		return nil, err
	}
	if len(matches) <= keep {
		return nil, nil
	}
	// Generated names sort chronologically.
	sort.Strings(matches)

	var removed []string
	for _, path := range matches[:len(matches)-keep] {
		if err := os.Remove(path); err != nil {
			logging.Error("failed to delete old archive", err, map[string]any{"path": path})
			continue
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// =====================================================
// Archive I/O
// =====================================================

type archiveEntry struct {
	name string
	data []byte
}

func buildArchive(modTime time.Time, entries []archiveEntry) ([]byte, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for _, e := range entries {
		header := &tar.Header{
			Name:    e.name,
			Mode:    0o644,
			Size:    int64(len(e.data)),
			ModTime: modTime.UTC(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, err
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extractArchive(data []byte) (map[string][]byte, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg || strings.Contains(header.Name, "..") {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		files[header.Name] = content
	}
	return files, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
