package worker

// IngestPayload is the body of an ingest.material message.
type IngestPayload struct {
	MaterialID string `json:"materialId"`
	// Reprocess forces ingestion even when the material already completed.
	Reprocess     bool   `json:"reprocess,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// OrchestratePayload is the body of a content.orchestrate message. RunID is
// optional; without it the run id is derived from the NSQ message id.
type OrchestratePayload struct {
	RunID         string   `json:"runId,omitempty"`
	CourseID      string   `json:"courseId"`
	WeekID        string   `json:"weekId"`
	MaterialIDs   []string `json:"materialIds"`
	CorrelationID string   `json:"correlationId,omitempty"`
}
