package exporter

import (
	"archive/zip"
	"compress/flate"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/dataset-export/internal/domain"
)

// ImageSource reads original image bytes by key
type ImageSource interface {
	GetBytes(ctx context.Context, name string) ([]byte, error)
}

// ArchiveBuilder writes the dataset zip: the original bytes of every image
// under images/ and its metadata document under metadata/
type ArchiveBuilder struct {
	images ImageSource
	now    func() time.Time
	logger *slog.Logger
}

// NewArchiveBuilder creates a new ArchiveBuilder
func NewArchiveBuilder(images ImageSource, now func() time.Time, logger *slog.Logger) *ArchiveBuilder {
	return &ArchiveBuilder{
		images: images,
		now:    now,
		logger: logger,
	}
}

// Build writes the archive into dir and returns its file name. Nothing is
// left in dir when it fails.
func (b *ArchiveBuilder) Build(ctx context.Context, dir string, entries []domain.ImageEntry) (string, error) {
	now := b.now()
	name := fileName(archivePrefix, "zip", now)
	target := filepath.Join(dir, name)
	tmp := target + ".tmp"

	if err := b.write(ctx, tmp, entries, now); err != nil {
		_ = os.Remove(tmp)
		b.logger.Error("Failed to build archive",
			slog.String("file", name),
			slog.Any("error", err),
		)
		return "", err
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to rename archive: %w", err)
	}

	b.logger.Info("Built archive",
		slog.String("file", name),
		slog.Int("image_count", len(entries)),
	)
	return name, nil
}

func (b *ArchiveBuilder) write(ctx context.Context, path string, entries []domain.ImageEntry, now time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := b.images.GetBytes(ctx, entry.Image.OriginalImageKey)
		if err != nil {
			return fmt.Errorf("failed to read original of image %d: %w", entry.Image.ID, err)
		}
		if err := writeEntry(zw, fmt.Sprintf("images/%d.jpeg", entry.Image.ID), data, now); err != nil {
			return err
		}

		metadata, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata of image %d: %w", entry.Image.ID, err)
		}
		if err := writeEntry(zw, fmt.Sprintf("metadata/%d.json", entry.Image.ID), metadata, now); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	return nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, modified time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
