package domain

import "fmt"

// ExportType selects which builder produces the exported file
type ExportType int16

const (
	ExportTypeDataset ExportType = 0
	ExportTypeExcel   ExportType = 1
)

// String returns the wire name of the export type
func (t ExportType) String() string {
	switch t {
	case ExportTypeDataset:
		return "DATASET"
	case ExportTypeExcel:
		return "EXCEL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int16(t))
	}
}

// ParseExportType converts a wire name into an ExportType
func ParseExportType(s string) (ExportType, error) {
	switch s {
	case "DATASET":
		return ExportTypeDataset, nil
	case "EXCEL":
		return ExportTypeExcel, nil
	default:
		return 0, fmt.Errorf("%w: unknown export type %q", ErrInvalidArgument, s)
	}
}

// ExportStatus is the lifecycle state of an export.
// Transitions are REQUESTED -> PROCESSING -> DONE only.
type ExportStatus int16

const (
	ExportStatusRequested  ExportStatus = 0
	ExportStatusProcessing ExportStatus = 1
	ExportStatusDone       ExportStatus = 2
)

func (s ExportStatus) String() string {
	switch s {
	case ExportStatusRequested:
		return "REQUESTED"
	case ExportStatusProcessing:
		return "PROCESSING"
	case ExportStatusDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int16(s))
	}
}

// Export represents a persisted export request and its result
type Export struct {
	ID                   int64        `db:"export_id"`
	RequestedByUserID    int64        `db:"requested_by_user_id"`
	RequestTime          int64        `db:"request_time"`
	Type                 ExportType   `db:"type"`
	ExpireTime           int64        `db:"expire_time"`
	FilterOptions        []byte       `db:"filter_options"`
	Status               ExportStatus `db:"status"`
	ExportedFileFilename string       `db:"exported_file_filename"`
}

// CreateExportArgs holds the values of a new export row
type CreateExportArgs struct {
	RequestedByUserID    int64
	RequestTime          int64
	Type                 ExportType
	ExpireTime           int64
	FilterOptions        []byte
	Status               ExportStatus
	ExportedFileFilename string
}

// ExportCreated is the trigger message published after an export is created
type ExportCreated struct {
	ExportID int64 `json:"export_id"`
}
