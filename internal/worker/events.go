package worker

type RetryPayload struct {
	DocumentID    string `json:"document_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
