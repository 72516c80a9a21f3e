package models

import (
	"errors"
	"testing"
)

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusRetrying, StatusProcessing, true},
		{StatusRetrying, StatusFailed, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusProcessing, false},
		{StatusFailed, StatusRetrying, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSourceStatuses(t *testing.T) {
	from := SourceStatuses(StatusProcessing)
	if len(from) != 2 || from[0] != StatusPending || from[1] != StatusRetrying {
		t.Errorf("SourceStatuses(PROCESSING) = %v", from)
	}
	if got := SourceStatuses(StatusPending); len(got) != 0 {
		t.Errorf("SourceStatuses(PENDING) = %v, want none", got)
	}
}

func TestParseJobType(t *testing.T) {
	if _, err := ParseJobType("SEND"); err != nil {
		t.Fatalf("SEND: %v", err)
	}
	if _, err := ParseJobType("send"); !errors.Is(err, ErrUnknownJobType) {
		t.Errorf("lowercase type: err = %v, want ErrUnknownJobType", err)
	}
	if _, err := ParseJobType("FORWARD"); !errors.Is(err, ErrUnknownJobType) {
		t.Errorf("FORWARD: err = %v, want ErrUnknownJobType", err)
	}
}

func TestReferenceRoundTrip(t *testing.T) {
	job := &EmailJob{ID: "j1", UserID: 7, Type: JobSend, Recipient: "a@example.com", Subject: "hi"}

	data, err := job.Reference().Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ref, err := UnmarshalReference(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ref != job.Reference() {
		t.Errorf("round trip = %+v, want %+v", ref, job.Reference())
	}

	if _, err := UnmarshalReference([]byte(`{"userId":1}`)); err == nil {
		t.Error("expected error for reference without jobId")
	}
}
