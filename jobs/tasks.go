package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAnomalyScan runs the detector suite over the current ledger state.
	TaskAnomalyScan = "anomaly:scan"
	// TaskReconRun reconciles one period's WMS snapshot against the ledger.
	TaskReconRun = "recon:run"
	// TaskPostingDeliver sweeps undelivered COGS postings to the ERP.
	TaskPostingDeliver = "costing:deliver_postings"
)

// AnomalyScanPayload parameterises a detector pass. A zero AsOf means scan
// as of now.
type AnomalyScanPayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// NewAnomalyScanTask constructs an Asynq task.
func NewAnomalyScanTask(payload AnomalyScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAnomalyScan, data), nil
}

// ReconRunPayload names the period to reconcile.
type ReconRunPayload struct {
	Period string `json:"period"`
}

// NewReconRunTask constructs an Asynq task.
func NewReconRunTask(payload ReconRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconRun, data), nil
}

// PostingDeliverPayload bounds one delivery sweep.
type PostingDeliverPayload struct {
	Limit int `json:"limit,omitempty"`
}

// NewPostingDeliverTask constructs an Asynq task.
func NewPostingDeliverTask(payload PostingDeliverPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPostingDeliver, data), nil
}
