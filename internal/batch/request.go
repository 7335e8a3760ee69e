package batch

import (
	"github.com/NaumSimi11/md-mindmap-sub000/internal/documents"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Operation kinds.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// Status is the outcome of one operation.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
	StatusSkipped  Status = "skipped"
)

const maxOperations = 100

// OperationData is the document payload of create and update operations.
// ID lets offline clients pre-generate the document id.
type OperationData struct {
	ID string `json:"id"`
	documents.Fields
}

// Operation is one entry of a batch.
type Operation struct {
	ClientID        string         `json:"client_id"`
	Operation       string         `json:"operation"`
	DocumentID      string         `json:"document_id,omitempty"`
	Data            *OperationData `json:"data,omitempty"`
	ExpectedVersion *int64         `json:"expected_version,omitempty"`
}

func (o Operation) Validate() error {
	needsData := o.Operation == OperationCreate || o.Operation == OperationUpdate
	needsTarget := o.Operation == OperationUpdate || o.Operation == OperationDelete
	return validation.ValidateStruct(&o,
		validation.Field(&o.ClientID, validation.Required, validation.Length(1, 128)),
		validation.Field(&o.Operation, validation.Required, validation.In(OperationCreate, OperationUpdate, OperationDelete)),
		validation.Field(&o.Data, validation.When(needsData, validation.Required.Error("is required for create and update"))),
		validation.Field(&o.DocumentID, validation.When(needsTarget, validation.Required.Error("is required for update and delete"))),
		validation.Field(&o.ExpectedVersion, validation.NilOrNotEmpty, validation.Min(int64(1))),
	)
}

// Request is a batch submitted by a client catching up after offline work.
type Request struct {
	WorkspaceID string      `json:"workspace_id"`
	Operations  []Operation `json:"operations"`
	Atomic      bool        `json:"atomic"`
}

func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.WorkspaceID, validation.Required),
		validation.Field(&r.Operations, validation.Required, validation.Length(1, maxOperations)),
	)
}

// ConflictData carries both sides of a version mismatch.
type ConflictData struct {
	ExpectedVersion int64 `json:"expected_version"`
	CurrentVersion  int64 `json:"current_version"`
}

// Result is the outcome of one operation.
type Result struct {
	ClientID     string        `json:"client_id"`
	Status       Status        `json:"status"`
	DocumentID   string        `json:"document_id,omitempty"`
	Version      *int64        `json:"version,omitempty"`
	Error        string        `json:"error,omitempty"`
	ConflictData *ConflictData `json:"conflict_data,omitempty"`
}

// Response lists results in submission order.
type Response struct {
	Total            int      `json:"total"`
	Successful       int      `json:"successful"`
	Failed           int      `json:"failed"`
	Results          []Result `json:"results"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
}
