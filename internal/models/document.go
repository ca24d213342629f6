package models

import (
	"encoding/json"
	"time"
)

// DocumentStatus is the denormalized status the UI reads without joining jobs.
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentProcessed  DocumentStatus = "processed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is an uploaded file owned by a user.
type Document struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"user_id"`
	Filename      string          `json:"filename"`
	ContentType   string          `json:"content_type"`
	BlobKey       string          `json:"blob_key"`
	Status        DocumentStatus  `json:"status"`
	PageCount     *int            `json:"page_count,omitempty"`
	ExtractedText *string         `json:"extracted_text,omitempty"`
	RawJSON       json.RawMessage `json:"raw_json,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ExtractedField is a single key/value pair found by the extraction service.
type ExtractedField struct {
	Key        string   `json:"key"`
	Value      *string  `json:"value,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	PageNumber *int     `json:"page_number,omitempty"`
}

// ExtractedTable is a table found by the extraction service.
type ExtractedTable struct {
	Index      int        `json:"index"`
	PageNumber *int       `json:"page_number,omitempty"`
	Headers    []string   `json:"headers"`
	Rows       [][]string `json:"rows"`
}

// ExtractionResult is the structured output of one extraction call.
type ExtractionResult struct {
	Text      string           `json:"extracted_text"`
	PageCount int              `json:"page_count"`
	Fields    []ExtractedField `json:"fields"`
	Tables    []ExtractedTable `json:"tables"`
	Raw       json.RawMessage  `json:"raw_json,omitempty"`
}

// DocumentLog is a simple audit event row.
type DocumentLog struct {
	DocumentID int64     `json:"document_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
