package models

import (
	"time"
)

// Stage names for per-step status tracking.
const (
	StageExtraction = "extraction"
	StageTransform  = "transform"
	StageEmbedding  = "embedding"
)

// Stage statuses.
const (
	StatusIdle     = "idle"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobFinished  = "finished"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// MessageKind identifies which variant of a QueueMessage is populated.
type MessageKind string

const (
	KindPrimaryPage        MessageKind = "primary_page"
	KindNestedContinuation MessageKind = "nested_continuation"
	KindTransform          MessageKind = "transform"
	KindEmbedding          MessageKind = "embedding"
	KindUnknown            MessageKind = "unknown"
)

// PrimaryPageRequest asks an extraction worker for one page of a step's
// primary resource. An empty cursor means the first page.
type PrimaryPageRequest struct {
	PageCursor string `json:"page_cursor,omitempty"`
}

// NestedContinuationRequest asks an extraction worker for one more page of a
// nested collection belonging to an already-fetched primary item.
type NestedContinuationRequest struct {
	ParentExternalID string `json:"parent_external_id"`
	NestedType       string `json:"nested_type"`
	NestedCursor     string `json:"nested_cursor"`
}

// TransformRequest points a transform worker at one staged raw record.
type TransformRequest struct {
	RawRecordID uint   `json:"raw_record_id"`
	EntityKind  string `json:"entity_kind"`
}

// EmbeddingRequest forwards one completed domain record to the indexing
// stage. The indexing consumer itself is an external collaborator.
type EmbeddingRequest struct {
	ExternalID string `json:"external_id"`
	EntityKind string `json:"entity_kind"`
}

// QueueMessage is the only thing ever sent over the broker: ids and flags,
// never payloads. Exactly one of the variant pointers is set.
type QueueMessage struct {
	ID            string     `json:"id"`
	TenantID      int        `json:"tenant_id"`
	JobID         uint       `json:"job_id"`
	IntegrationID int        `json:"integration_id"`
	Step          string     `json:"step"`
	Attempt       int        `json:"attempt"`
	NotBefore     *time.Time `json:"not_before,omitempty"`

	Primary   *PrimaryPageRequest        `json:"primary,omitempty"`
	Nested    *NestedContinuationRequest `json:"nested,omitempty"`
	Transform *TransformRequest          `json:"transform,omitempty"`
	Embedding *EmbeddingRequest          `json:"embedding,omitempty"`

	FirstItem   bool `json:"first_item"`
	LastItem    bool `json:"last_item"`
	LastJobItem bool `json:"last_job_item"`
}

// Kind routes on which variant is populated. A message with no variant (or
// more than one) is malformed and reported as KindUnknown.
func (m QueueMessage) Kind() MessageKind {
	set := 0
	kind := KindUnknown
	if m.Primary != nil {
		set++
		kind = KindPrimaryPage
	}
	if m.Nested != nil {
		set++
		kind = KindNestedContinuation
	}
	if m.Transform != nil {
		set++
		kind = KindTransform
	}
	if m.Embedding != nil {
		set++
		kind = KindEmbedding
	}
	if set != 1 {
		return KindUnknown
	}
	return kind
}

// StatusEvent is pushed to observers on every stage transition.
type StatusEvent struct {
	JobID  uint   `json:"job_id"`
	Step   string `json:"step"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

// Job trigger API request/response shapes.
type TriggerJobRequest struct {
	TenantID      int      `json:"tenant_id"`
	IntegrationID int      `json:"integration_id"`
	Steps         []string `json:"steps,omitempty"`
}

type TriggerJobResponse struct {
	JobID uint `json:"job_id"`
}
