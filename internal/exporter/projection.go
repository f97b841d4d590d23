package exporter

import (
	"context"
	"fmt"

	"github.com/cuongbtq/dataset-export/internal/dataset"
	"github.com/cuongbtq/dataset-export/internal/domain"
)

// Projector turns dataset service records into exported image entries
type Projector struct {
	users dataset.UserResolver
}

// NewProjector creates a new Projector
func NewProjector(users dataset.UserResolver) *Projector {
	return &Projector{users: users}
}

// Project builds one entry per image of batch. snapshots is index-aligned with
// batch.Images and may be nil. Each user is resolved at most once per call.
func (p *Projector) Project(ctx context.Context, batch *dataset.Batch, snapshots []dataset.Snapshots) ([]domain.ImageEntry, error) {
	users := dataset.NewMemoResolver(p.users)
	entries := make([]domain.ImageEntry, 0, len(batch.Images))

	for i, record := range batch.Images {
		image, err := p.image(ctx, users, record)
		if err != nil {
			return nil, err
		}

		var tagRecords []dataset.TagRecord
		if i < len(batch.Tags) {
			tagRecords = batch.Tags[i]
		}
		var regionRecords []dataset.RegionRecord
		if i < len(batch.Regions) {
			regionRecords = batch.Regions[i]
		}
		var snapshot dataset.Snapshots
		if i < len(snapshots) {
			snapshot = snapshots[i]
		}

		regions, err := p.regions(ctx, users, regionRecords)
		if err != nil {
			return nil, err
		}
		atPublish, err := p.regions(ctx, users, snapshot.AtPublish)
		if err != nil {
			return nil, err
		}
		atVerify, err := p.regions(ctx, users, snapshot.AtVerify)
		if err != nil {
			return nil, err
		}

		entries = append(entries, domain.ImageEntry{
			Image:                   image,
			Tags:                    tags(tagRecords),
			Regions:                 regions,
			RegionSnapshotAtPublish: atPublish,
			RegionSnapshotAtVerify:  atVerify,
		})
	}

	return entries, nil
}

func (p *Projector) image(ctx context.Context, users dataset.UserResolver, record dataset.ImageRecord) (domain.Image, error) {
	uploader, err := users.Resolve(ctx, record.UploadedByUserID)
	if err != nil {
		return domain.Image{}, err
	}
	if uploader == nil {
		return domain.Image{}, fmt.Errorf("image %d has no uploader", record.ID)
	}
	publisher, err := users.Resolve(ctx, record.PublishedByUserID)
	if err != nil {
		return domain.Image{}, err
	}
	verifier, err := users.Resolve(ctx, record.VerifiedByUserID)
	if err != nil {
		return domain.Image{}, err
	}

	status, err := parseImageStatus(record.Status)
	if err != nil {
		return domain.Image{}, fmt.Errorf("image %d: %w", record.ID, err)
	}

	var imageType *domain.ImageType
	if record.ImageType != nil {
		imageType = &domain.ImageType{
			ID:          record.ImageType.ID,
			DisplayName: record.ImageType.DisplayName,
		}
	}

	return domain.Image{
		ID:               record.ID,
		UploadedByUser:   uploader,
		UploadTime:       record.UploadTime,
		PublishedByUser:  publisher,
		PublishTime:      record.PublishTime,
		VerifiedByUser:   verifier,
		VerifyTime:       record.VerifyTime,
		OriginalFileName: record.OriginalFileName,
		Description:      record.Description,
		ImageType:        imageType,
		Status:           status,
		OriginalImageKey: record.OriginalImageFilename,
	}, nil
}

func (p *Projector) regions(ctx context.Context, users dataset.UserResolver, records []dataset.RegionRecord) ([]domain.Region, error) {
	regions := make([]domain.Region, 0, len(records))
	for _, record := range records {
		drawnBy, err := users.Resolve(ctx, record.DrawnByUserID)
		if err != nil {
			return nil, err
		}
		labeledBy, err := users.Resolve(ctx, record.LabeledByUserID)
		if err != nil {
			return nil, err
		}

		border := domain.Polygon{Vertices: []domain.Vertex{}}
		if record.Border != nil {
			border = polygon(*record.Border)
		}
		holes := make([]domain.Polygon, 0, len(record.Holes))
		for _, hole := range record.Holes {
			holes = append(holes, polygon(hole))
		}

		var label *domain.RegionLabel
		if record.Label != nil {
			label = &domain.RegionLabel{
				ID:          record.Label.ID,
				DisplayName: record.Label.DisplayName,
				Color:       record.Label.Color,
			}
		}

		regions = append(regions, domain.Region{
			ID:            record.ID,
			DrawnByUser:   drawnBy,
			LabeledByUser: labeledBy,
			Border:        border,
			Holes:         holes,
			Label:         label,
		})
	}
	return regions, nil
}

func polygon(record dataset.PolygonRecord) domain.Polygon {
	vertices := make([]domain.Vertex, 0, len(record.Vertices))
	for _, v := range record.Vertices {
		vertices = append(vertices, domain.Vertex{X: v.X, Y: v.Y})
	}
	return domain.Polygon{Vertices: vertices}
}

func tags(records []dataset.TagRecord) []domain.ImageTag {
	result := make([]domain.ImageTag, 0, len(records))
	for _, record := range records {
		result = append(result, domain.ImageTag{ID: record.ID, DisplayName: record.DisplayName})
	}
	return result
}

func parseImageStatus(s string) (domain.ImageStatus, error) {
	switch s {
	case dataset.StatusUploaded:
		return domain.ImageStatusUploaded, nil
	case dataset.StatusPublished:
		return domain.ImageStatusPublished, nil
	case dataset.StatusVerified:
		return domain.ImageStatusVerified, nil
	case dataset.StatusExcluded:
		return domain.ImageStatusExcluded, nil
	default:
		return 0, fmt.Errorf("invalid image status %q", s)
	}
}
