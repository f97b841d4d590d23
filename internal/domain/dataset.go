package domain

import (
	"fmt"
	"strings"
)

// User is an actor resolved from a user id
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type ImageType struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

// ImageStatus is the review state of an image in the dataset
type ImageStatus int

const (
	ImageStatusUploaded ImageStatus = iota
	ImageStatusPublished
	ImageStatusVerified
	ImageStatusExcluded
)

// Label returns the human readable status used in spreadsheets
func (s ImageStatus) Label() string {
	switch s {
	case ImageStatusUploaded:
		return "Uploaded"
	case ImageStatusPublished:
		return "Published"
	case ImageStatusVerified:
		return "Verified"
	case ImageStatusExcluded:
		return "Excluded"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the status the way the dataset service names it
func (s ImageStatus) MarshalText() ([]byte, error) {
	switch s {
	case ImageStatusUploaded, ImageStatusPublished, ImageStatusVerified, ImageStatusExcluded:
		return []byte(strings.ToUpper(s.Label())), nil
	default:
		return nil, fmt.Errorf("invalid image status %d", int(s))
	}
}

// Image is the exported descriptor of a dataset image.
// Publisher and Verifier are nil when the image never reached that status.
type Image struct {
	ID               int64       `json:"id"`
	UploadedByUser   *User       `json:"uploaded_by_user"`
	UploadTime       int64       `json:"upload_time"`
	PublishedByUser  *User       `json:"published_by_user"`
	PublishTime      int64       `json:"publish_time"`
	VerifiedByUser   *User       `json:"verified_by_user"`
	VerifyTime       int64       `json:"verify_time"`
	OriginalFileName string      `json:"original_file_name"`
	Description      string      `json:"description"`
	ImageType        *ImageType  `json:"image_type"`
	Status           ImageStatus `json:"status"`

	// Key of the original image bytes in the originals bucket
	OriginalImageKey string `json:"-"`
}

type ImageTag struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

type RegionLabel struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

type Vertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Polygon struct {
	Vertices []Vertex `json:"vertices"`
}

type Region struct {
	ID            int64        `json:"id"`
	DrawnByUser   *User        `json:"drawn_by_user"`
	LabeledByUser *User        `json:"labeled_by_user"`
	Border        Polygon      `json:"border"`
	Holes         []Polygon    `json:"holes"`
	Label         *RegionLabel `json:"label"`
}

// ImageEntry groups everything exported for one image
type ImageEntry struct {
	Image                   Image      `json:"image"`
	Tags                    []ImageTag `json:"tags"`
	Regions                 []Region   `json:"regions"`
	RegionSnapshotAtPublish []Region   `json:"region_snapshot_at_publish"`
	RegionSnapshotAtVerify  []Region   `json:"region_snapshot_at_verify"`
}
