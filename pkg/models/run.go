package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobRequest is one simulation request as accepted by the worker.
type JobRequest struct {
	JobID         string  `json:"job_id,omitempty"`
	Hydrograph    string  `json:"hydrograph"`
	Tide          *string `json:"tide,omitempty"`
	ExecutionTime string  `json:"execution_time"`
}

// RunStatus represents the state of an asynchronous run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSuccess   RunStatus = "SUCCESS"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// Run is an asynchronous simulation submitted through the queue.
type Run struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	ModelName     string     `json:"model_name" gorm:"type:varchar(100);index"`
	Status        RunStatus  `json:"status" gorm:"type:varchar(20);default:'PENDING';index"`
	NodeID        *string    `json:"node_id,omitempty" gorm:"index"`
	Hydrograph    string     `json:"-" gorm:"type:text;not null"`
	Tide          *string    `json:"-" gorm:"type:text"`
	ExecutionTime string     `json:"execution_time"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	Message       string     `json:"message,omitempty"`
	Detail        string     `json:"details,omitempty" gorm:"type:text"`
	ArtifactName  string     `json:"artifact_name,omitempty"`
	ArtifactURI   string     `json:"artifact_uri,omitempty"`
	ExitCode      int        `json:"exit_code"`
	SubmittedAt   time.Time  `json:"submitted_at" gorm:"autoCreateTime"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (r *Run) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

// Request converts the stored run back into an executor request.
func (r *Run) Request() JobRequest {
	return JobRequest{
		JobID:         r.ID.String(),
		Hydrograph:    r.Hydrograph,
		Tide:          r.Tide,
		ExecutionTime: r.ExecutionTime,
	}
}

// SimulationHistory is one completed gateway run kept for a user.
// Only the newest few rows per (UserID, ModelName) are retained.
type SimulationHistory struct {
	ID                     uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID                 string    `json:"userId" gorm:"type:varchar(64);not null;index:idx_history_user_model"`
	ModelName              string    `json:"modelName" gorm:"type:varchar(100);not null;index:idx_history_user_model"`
	HydrographInput        string    `json:"hydrographInput" gorm:"type:text;not null"`
	TideInput              *string   `json:"tideInput,omitempty" gorm:"type:text"`
	ExecutionTimeRequested string    `json:"executionTimeRequested"`
	PltOutputData          string    `json:"pltOutputData" gorm:"type:text"`
	RunAt                  time.Time `json:"runAt" gorm:"not null;index"`
}

func (h *SimulationHistory) BeforeCreate(tx *gorm.DB) (err error) {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.RunAt.IsZero() {
		h.RunAt = time.Now()
	}
	return
}

// Node describes a live worker as published in the node registry.
type Node struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	Isolation   string    `json:"isolation"`
	Slots       int       `json:"slots"`
	TotalMemMB  uint64    `json:"total_mem_mb"`
	RunningJobs int       `json:"running_jobs"`
	SeenAt      time.Time `json:"seen_at"`
}
