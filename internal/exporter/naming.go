package exporter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	archivePrefix     = "Dataset"
	spreadsheetPrefix = "Dataset Information"
)

// fileName returns "<prefix>-<unix millis>-<uuid>.<ext>"
func fileName(prefix, ext string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s.%s", prefix, now.UnixMilli(), uuid.NewString(), ext)
}
