// Package dataset reads image metadata and users from the dataset services.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/cuongbtq/dataset-export/internal/resilience"
	"golang.org/x/sync/errgroup"
)

// Doer sends one HTTP request and returns the fully read response
type Doer interface {
	Do(ctx context.Context, method, url string, body []byte) (*resilience.Response, error)
}

// Provider fetches image metadata from the dataset service
type Provider struct {
	doer                Doer
	baseURL             string
	batchSize           int
	snapshotConcurrency int
	logger              *slog.Logger
}

// NewProvider creates a new Provider
func NewProvider(doer Doer, baseURL string, batchSize, snapshotConcurrency int, logger *slog.Logger) *Provider {
	if batchSize <= 0 {
		batchSize = 100
	}
	if snapshotConcurrency <= 0 {
		snapshotConcurrency = 1
	}
	return &Provider{
		doer:                doer,
		baseURL:             strings.TrimRight(baseURL, "/"),
		batchSize:           batchSize,
		snapshotConcurrency: snapshotConcurrency,
		logger:              logger,
	}
}

// FetchAll pages through every image matching filterOptions in id order
// until a page comes back empty. The service may return fewer images than
// requested on any page. Nothing is returned unless every page was read.
func (p *Provider) FetchAll(ctx context.Context, filterOptions []byte) (*Batch, error) {
	batch := &Batch{
		Images:  []ImageRecord{},
		Tags:    [][]TagRecord{},
		Regions: [][]RegionRecord{},
	}

	for {
		page, err := p.searchImages(ctx, filterOptions, len(batch.Images))
		if err != nil {
			return nil, err
		}
		if len(page.ImageList) == 0 {
			break
		}

		for i, image := range page.ImageList {
			tags := []TagRecord{}
			if i < len(page.ImageTagListOfImageList) && page.ImageTagListOfImageList[i].ImageTagList != nil {
				tags = page.ImageTagListOfImageList[i].ImageTagList
			}
			regions := []RegionRecord{}
			if i < len(page.RegionListOfImageList) && page.RegionListOfImageList[i].RegionList != nil {
				regions = page.RegionListOfImageList[i].RegionList
			}

			batch.Images = append(batch.Images, image)
			batch.Tags = append(batch.Tags, tags)
			batch.Regions = append(batch.Regions, regions)
		}
	}

	p.logger.Debug("Fetched image metadata", slog.Int("image_count", len(batch.Images)))
	return batch, nil
}

func (p *Provider) searchImages(ctx context.Context, filterOptions []byte, offset int) (*searchImagesResponse, error) {
	if filterOptions == nil {
		filterOptions = []byte{}
	}

	body, err := json.Marshal(searchImagesRequest{
		FilterOptions: filterOptions,
		Offset:        offset,
		Limit:         p.batchSize,
		SortOrder:     sortOrderIDAscending,
		WithImageTag:  true,
		WithRegion:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image search request: %w", err)
	}

	resp, err := p.doer.Do(ctx, http.MethodPost, p.baseURL+"/api/v1/images/search", body)
	if err != nil {
		p.logger.Error("Failed to search images",
			slog.Int("offset", offset),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to search images: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to search images: unexpected status %d", resp.StatusCode)
	}

	var page searchImagesResponse
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode image search response: %w", err)
	}
	return &page, nil
}

// FetchRegionSnapshot returns the regions of an image as they were when the
// image reached atStatus. An unknown image or snapshot yields an empty list.
func (p *Provider) FetchRegionSnapshot(ctx context.Context, imageID int64, atStatus string) ([]RegionRecord, error) {
	endpoint := fmt.Sprintf("%s/api/v1/images/%d/region-snapshots?at_status=%s",
		p.baseURL, imageID, url.QueryEscape(atStatus))

	resp, err := p.doer.Do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		p.logger.Error("Failed to get region snapshot",
			slog.Int64("image_id", imageID),
			slog.String("at_status", atStatus),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to get region snapshot of image %d: %w", imageID, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return []RegionRecord{}, nil
	default:
		return nil, fmt.Errorf("failed to get region snapshot of image %d: unexpected status %d", imageID, resp.StatusCode)
	}

	var snapshot regionSnapshotResponse
	if err := json.Unmarshal(resp.Body, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode region snapshot of image %d: %w", imageID, err)
	}
	if snapshot.RegionList == nil {
		return []RegionRecord{}, nil
	}
	return snapshot.RegionList, nil
}

// FetchSnapshots fetches the publish and verify snapshots of every image
// concurrently. The result is index-aligned with images. Images that were
// never published or verified get an empty snapshot without a remote call.
func (p *Provider) FetchSnapshots(ctx context.Context, images []ImageRecord) ([]Snapshots, error) {
	result := make([]Snapshots, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.snapshotConcurrency)

	for i, image := range images {
		result[i] = Snapshots{AtPublish: []RegionRecord{}, AtVerify: []RegionRecord{}}

		if image.PublishTime != 0 {
			g.Go(func() error {
				regions, err := p.FetchRegionSnapshot(gctx, image.ID, StatusPublished)
				if err != nil {
					return err
				}
				result[i].AtPublish = regions
				return nil
			})
		}
		if image.VerifyTime != 0 {
			g.Go(func() error {
				regions, err := p.FetchRegionSnapshot(gctx, image.ID, StatusVerified)
				if err != nil {
					return err
				}
				result[i].AtVerify = regions
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
