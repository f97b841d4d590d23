package dto

import "encoding/json"

type CreateExportRequest struct {
	RequestedByUserID int64           `json:"requested_by_user_id" binding:"required"`
	Type              string          `json:"type" binding:"required,oneof=DATASET EXCEL"`
	FilterOptions     json.RawMessage `json:"filter_options"`
}

type ListExportsRequest struct {
	RequestedByUserID int64 `form:"requested_by_user_id" binding:"required"`
	Offset            int   `form:"offset" binding:"min=0"`
	Limit             int   `form:"limit" binding:"min=0"`
}

type ListExportsResponse struct {
	TotalExportCount int64       `json:"total_export_count"`
	ExportList       []ExportDTO `json:"export_list"`
}

type ExportDTO struct {
	ExportID             int64           `json:"export_id"`
	RequestedByUserID    int64           `json:"requested_by_user_id"`
	RequestTime          int64           `json:"request_time"`
	Type                 string          `json:"type"`
	ExpireTime           int64           `json:"expire_time"`
	FilterOptions        json.RawMessage `json:"filter_options"`
	Status               string          `json:"status"`
	ExportedFileFilename string          `json:"exported_file_filename"`
}
