package dataset

// Wire representation of the dataset service responses. User references are
// plain ids and are resolved during projection.

const (
	StatusUploaded  = "UPLOADED"
	StatusPublished = "PUBLISHED"
	StatusVerified  = "VERIFIED"
	StatusExcluded  = "EXCLUDED"

	sortOrderIDAscending = "ID_ASCENDING"
)

type ImageTypeRecord struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

type ImageRecord struct {
	ID                    int64            `json:"id"`
	UploadedByUserID      int64            `json:"uploaded_by_user_id"`
	UploadTime            int64            `json:"upload_time"`
	PublishedByUserID     int64            `json:"published_by_user_id"`
	PublishTime           int64            `json:"publish_time"`
	VerifiedByUserID      int64            `json:"verified_by_user_id"`
	VerifyTime            int64            `json:"verify_time"`
	OriginalFileName      string           `json:"original_file_name"`
	OriginalImageFilename string           `json:"original_image_filename"`
	Description           string           `json:"description"`
	ImageType             *ImageTypeRecord `json:"image_type"`
	Status                string           `json:"status"`
}

type TagRecord struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

type VertexRecord struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PolygonRecord struct {
	Vertices []VertexRecord `json:"vertices"`
}

type RegionLabelRecord struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

type RegionRecord struct {
	ID              int64              `json:"id"`
	DrawnByUserID   int64              `json:"drawn_by_user_id"`
	LabeledByUserID int64              `json:"labeled_by_user_id"`
	Border          *PolygonRecord     `json:"border"`
	Holes           []PolygonRecord    `json:"holes"`
	Label           *RegionLabelRecord `json:"label"`
}

type UserRecord struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Batch is the full metadata of a filtered image set. Tags[i] and Regions[i]
// belong to Images[i].
type Batch struct {
	Images  []ImageRecord
	Tags    [][]TagRecord
	Regions [][]RegionRecord
}

// Snapshots holds the regions of one image as they were when it was
// published and when it was verified
type Snapshots struct {
	AtPublish []RegionRecord
	AtVerify  []RegionRecord
}

type searchImagesRequest struct {
	FilterOptions []byte `json:"filter_options"`
	Offset        int    `json:"offset"`
	Limit         int    `json:"limit"`
	SortOrder     string `json:"sort_order"`
	WithImageTag  bool   `json:"with_image_tag"`
	WithRegion    bool   `json:"with_region"`
}

type searchImagesResponse struct {
	ImageList               []ImageRecord `json:"image_list"`
	ImageTagListOfImageList []tagList     `json:"image_tag_list_of_image_list"`
	RegionListOfImageList   []regionList  `json:"region_list_of_image_list"`
}

type tagList struct {
	ImageTagList []TagRecord `json:"image_tag_list"`
}

type regionList struct {
	RegionList []RegionRecord `json:"region_list"`
}

type regionSnapshotResponse struct {
	RegionList []RegionRecord `json:"region_list"`
}
