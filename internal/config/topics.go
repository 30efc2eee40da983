package config

const (
	// TopicDocumentStatus carries every document status transition.
	TopicDocumentStatus = "document.status"

	// TopicIngestRetry carries retry requests for failed documents.
	TopicIngestRetry = "ingest.retry"
)
