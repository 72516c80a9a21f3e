package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// QueueReference is what travels on the queue. The job store stays the
// source of truth; these fields only spare the worker a lookup on the hot path.
type QueueReference struct {
	JobID     string  `json:"jobId"`
	UserID    int64   `json:"userId"`
	Type      JobType `json:"type"`
	Recipient string  `json:"recipient"`
	Subject   string  `json:"subject,omitempty"`
	Content   string  `json:"content,omitempty"`
}

func (r QueueReference) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalReference(data []byte) (QueueReference, error) {
	var ref QueueReference
	if err := json.Unmarshal(data, &ref); err != nil {
		return ref, fmt.Errorf("decode queue reference: %w", err)
	}
	if ref.JobID == "" {
		return ref, errors.New("decode queue reference: missing jobId")
	}
	return ref, nil
}
