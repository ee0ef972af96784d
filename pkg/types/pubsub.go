package types

// PubSubMessage is the payload of a Pub/Sub event via Cloud Event.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
}

// ExportRequest is the message body of an archive export job.
type ExportRequest struct {
	TaskID     string     `json:"task_id"`
	TargetType TargetType `json:"target_type"`
	TargetID   string     `json:"target_id"`
	UserID     *uint      `json:"user_id,omitempty"`
}
