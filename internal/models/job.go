package models

import "strings"

// JobStatus is the lifecycle state of a backend proximity job.
type JobStatus string

const (
	JobUnknown    JobStatus = ""
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ParseJobStatus maps backend status spellings to a JobStatus.
func ParseJobStatus(raw string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "scheduled":
		return JobPending
	case "processing", "running", "in_progress", "started":
		return JobProcessing
	case "completed", "complete", "done", "success", "ready":
		return JobCompleted
	case "failed", "error", "errored":
		return JobFailed
	default:
		return JobUnknown
	}
}

// Progress reports how much of a job has been computed.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Job is the unit of backend work computing proximity data for one anchor.
type Job struct {
	Anchor    Anchor          `json:"anchor"`
	Token     string          `json:"token,omitempty"`
	Status    JobStatus       `json:"status"`
	Items     []ProximityItem `json:"items"`
	Isochrone *Isochrone      `json:"isochrone,omitempty"`
	Partial   bool            `json:"partial"`
	Progress  *Progress       `json:"progress,omitempty"`
}

// Running reports whether the backend is still computing.
func (j *Job) Running() bool {
	if j == nil {
		return false
	}
	return j.Status == JobPending || j.Status == JobProcessing || j.Partial
}

// Settled reports a terminal job: failed, or completed with nothing left to compute.
func (j *Job) Settled() bool {
	if j == nil {
		return false
	}
	return j.Status == JobFailed || (j.Status == JobCompleted && !j.Partial)
}

// Ready reports a completed job that carries items, the only status result
// allowed to short-circuit a submission.
func (j *Job) Ready() bool {
	return j != nil && j.Status == JobCompleted && len(j.Items) > 0
}

// Clone deep-copies the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Items = CloneItems(j.Items)
	out.Isochrone = j.Isochrone.Clone()
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	return &out
}

// TagAnchor makes sure every item lists the job's anchor among its relations.
func (j *Job) TagAnchor() {
	if j == nil || j.Anchor.ID == "" {
		return
	}
	for i := range j.Items {
		j.Items[i].NearAnchors.Add(j.Anchor.ID)
	}
}
