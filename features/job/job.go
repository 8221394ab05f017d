package job

import (
	"encoding/json"
	"errors"
	"time"
)

// Handler names recorded on failed jobs. Each maps to the topic a retry is
// republished to.
const (
	HandlerIngest     = "ingest-worker"
	HandlerGeneration = "generation-worker"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

var ErrNotFound = errors.New("job not found")

type Job struct {
	ID         string          `json:"id"`
	MaterialID string          `json:"materialId,omitempty"`
	BatchID    string          `json:"batchId,omitempty"`
	Handler    string          `json:"handler"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	Retries    int             `json:"retries"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Filter narrows the failed job listing. Zero values match everything.
type Filter struct {
	Handler    string
	MaterialID string
	BatchID    string
	Limit      int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}
