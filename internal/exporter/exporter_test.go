package exporter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dataset-export/internal/domain"
)

var fixedNow = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubResolver struct {
	mu    sync.Mutex
	users map[int64]*domain.User
	calls map[int64]int
}

func newStubResolver(users ...domain.User) *stubResolver {
	r := &stubResolver{users: map[int64]*domain.User{}, calls: map[int64]int{}}
	for _, u := range users {
		r.users[u.ID] = &u
	}
	return r
}

func (r *stubResolver) Resolve(_ context.Context, id int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		return nil, nil
	}
	r.calls[id]++
	return r.users[id], nil
}

func sampleEntries(n int) []domain.ImageEntry {
	uploader := &domain.User{ID: 1, Username: "up", DisplayName: "Uploader"}
	entries := make([]domain.ImageEntry, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(entries, domain.ImageEntry{
			Image: domain.Image{
				ID:               int64(i),
				UploadedByUser:   uploader,
				UploadTime:       fixedNow.UnixMilli(),
				OriginalFileName: "photo.png",
				Status:           domain.ImageStatusUploaded,
				OriginalImageKey: "originals/" + string(rune('a'+i)),
			},
			Tags:                    []domain.ImageTag{},
			Regions:                 []domain.Region{},
			RegionSnapshotAtPublish: []domain.Region{},
			RegionSnapshotAtVerify:  []domain.Region{},
		})
	}
	return entries
}
