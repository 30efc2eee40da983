// Package job exposes ingestion jobs: the ones running now, the documents
// whose ingestion failed, and retrying those.
package job

import (
	"time"

	"pdfqa/backend/features/document"
	"pdfqa/backend/internal/ingest"
)

// Job is an in-flight ingestion.
type Job struct {
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	Retry      bool      `json:"retry"`
	StartedAt  time.Time `json:"started_at"`
}

// FailedJob is a document whose last ingestion failed.
type FailedJob struct {
	DocumentID string    `json:"document_id"`
	Filename   string    `json:"filename"`
	Error      string    `json:"error"`
	Retries    int       `json:"retries"`
	FailedAt   time.Time `json:"failed_at"`
}

func fromInfo(info ingest.JobInfo) Job {
	return Job{DocumentID: info.DocumentID, Stage: info.Stage, Retry: info.Retry, StartedAt: info.StartedAt}
}

func fromDocument(d document.Document) FailedJob {
	f := FailedJob{DocumentID: d.ID, Filename: d.Filename, Retries: d.RetryCount, FailedAt: d.UpdatedAt}
	if d.ErrorDetail != nil {
		f.Error = *d.ErrorDetail
	}
	return f
}
