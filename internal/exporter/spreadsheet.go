package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/dataset-export/internal/domain"
	"github.com/xuri/excelize/v2"
)

const (
	sheetName = "Dataset"
	noType    = "No type"
)

var spreadsheetHeader = []string{
	"Original file name",
	"Exported file name",
	"Uploaded by",
	"Upload time",
	"Published by",
	"Publish time",
	"Verified by",
	"Verify time",
	"Image type",
	"Status",
	"Region labels",
	"Region labels at publish",
	"Region labels at verify",
	"Tags",
	"Description",
}

// SpreadsheetBuilder writes one worksheet with a row per image
type SpreadsheetBuilder struct {
	timeLayout string
	location   *time.Location
	now        func() time.Time
	logger     *slog.Logger
}

// NewSpreadsheetBuilder creates a new SpreadsheetBuilder. Times are rendered
// with timeLayout in location.
func NewSpreadsheetBuilder(timeLayout string, location *time.Location, now func() time.Time, logger *slog.Logger) *SpreadsheetBuilder {
	if timeLayout == "" {
		timeLayout = time.DateTime
	}
	if location == nil {
		location = time.UTC
	}
	return &SpreadsheetBuilder{
		timeLayout: timeLayout,
		location:   location,
		now:        now,
		logger:     logger,
	}
}

// Build writes the spreadsheet into dir and returns its file name
func (b *SpreadsheetBuilder) Build(ctx context.Context, dir string, entries []domain.ImageEntry) (string, error) {
	name := fileName(spreadsheetPrefix, "xlsx", b.now())
	target := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp.xlsx")

	if err := b.write(ctx, tmp, entries); err != nil {
		_ = os.Remove(tmp)
		b.logger.Error("Failed to build spreadsheet",
			slog.String("file", name),
			slog.Any("error", err),
		)
		return "", err
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to rename spreadsheet: %w", err)
	}

	b.logger.Info("Built spreadsheet",
		slog.String("file", name),
		slog.Int("image_count", len(entries)),
	)
	return name, nil
}

func (b *SpreadsheetBuilder) write(ctx context.Context, path string, entries []domain.ImageEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("failed to open sheet writer: %w", err)
	}

	header := make([]interface{}, len(spreadsheetHeader))
	for i, title := range spreadsheetHeader {
		header[i] = excelize.Cell{StyleID: headerStyle, Value: title}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, b.row(entry)); err != nil {
			return fmt.Errorf("failed to write row of image %d: %w", entry.Image.ID, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save spreadsheet: %w", err)
	}
	return nil
}

func (b *SpreadsheetBuilder) row(entry domain.ImageEntry) []interface{} {
	image := entry.Image

	imageType := noType
	if image.ImageType != nil {
		imageType = image.ImageType.DisplayName
	}

	return []interface{}{
		image.OriginalFileName,
		fmt.Sprintf("%d.jpeg", image.ID),
		displayName(image.UploadedByUser),
		b.formatTime(image.UploadTime),
		displayName(image.PublishedByUser),
		b.formatTime(image.PublishTime),
		displayName(image.VerifiedByUser),
		b.formatTime(image.VerifyTime),
		imageType,
		image.Status.Label(),
		regionLabels(entry.Regions),
		regionLabels(entry.RegionSnapshotAtPublish),
		regionLabels(entry.RegionSnapshotAtVerify),
		tagNames(entry.Tags),
		image.Description,
	}
}

func (b *SpreadsheetBuilder) formatTime(millis int64) string {
	if millis == 0 {
		return ""
	}
	return time.UnixMilli(millis).In(b.location).Format(b.timeLayout)
}

func displayName(user *domain.User) string {
	if user == nil {
		return ""
	}
	return user.DisplayName
}

func regionLabels(regions []domain.Region) string {
	names := make([]string, 0, len(regions))
	for _, region := range regions {
		if region.Label != nil {
			names = append(names, region.Label.DisplayName)
		}
	}
	return strings.Join(names, ", ")
}

func tagNames(tags []domain.ImageTag) string {
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, tag.DisplayName)
	}
	return strings.Join(names, ", ")
}
