package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"PulseQueue/internal/admission"
	"PulseQueue/internal/csvparser"
	"PulseQueue/internal/enqueue"
)

const maxBulkUpload = 10 << 20

type bulkAccepted struct {
	Line  int    `json:"line"`
	Email string `json:"email"`
	JobID string `json:"jobId"`
}

type bulkRejected struct {
	Line   int    `json:"line"`
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type bulkResponse struct {
	Success      bool           `json:"success"`
	Accepted     []bulkAccepted `json:"accepted"`
	Rejected     []bulkRejected `json:"rejected"`
	SkippedLines []int          `json:"skippedLines,omitempty"`
	// NotAttempted counts rows after a rejection that would have turned
	// away every later row too.
	NotAttempted int    `json:"notAttempted,omitempty"`
	StoppedBy    string `json:"stoppedBy,omitempty"`
}

// SendBulk submits one job per CSV row. The multipart form carries the CSV
// under "file" plus userId and optional default subject and content.
func (h *Handler) SendBulk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBulkUpload)
	if err := r.ParseMultipartForm(maxBulkUpload); err != nil {
		h.writeError(w, admission.Invalid(err))
		return
	}

	userID, err := strconv.ParseInt(r.FormValue("userId"), 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, admission.Invalid(errors.New("userId must be a positive integer")))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, admission.Invalid(err))
		return
	}
	defer file.Close()

	rows, skipped, err := csvparser.ParseRecipientRows(file, h.MaxBulkRows)
	if err != nil {
		h.writeError(w, admission.Invalid(err))
		return
	}

	resp := bulkResponse{
		Accepted:     []bulkAccepted{},
		Rejected:     []bulkRejected{},
		SkippedLines: skipped,
	}
	subject, content := r.FormValue("subject"), r.FormValue("content")

	for i, row := range rows {
		s, c := row.Render(subject, content)
		res, err := h.Enqueuer.Submit(r.Context(), enqueue.Spec{
			UserID:    userID,
			Type:      r.FormValue("type"),
			Recipient: row.Email,
			Subject:   s,
			Content:   c,
		})
		if err == nil {
			resp.Accepted = append(resp.Accepted, bulkAccepted{Line: row.Line, Email: row.Email, JobID: res.JobID})
			continue
		}

		ae, ok := admission.As(err)
		if !ok {
			h.writeError(w, err)
			return
		}
		if ae.Reason != admission.ReasonInvalidRequest {
			// every remaining row would hit the same wall
			if len(resp.Accepted) == 0 {
				h.writeError(w, err)
				return
			}
			resp.Rejected = append(resp.Rejected, bulkRejected{Line: row.Line, Email: row.Email, Reason: ae.Error()})
			resp.StoppedBy = string(ae.Reason)
			resp.NotAttempted = len(rows) - i - 1
			break
		}
		resp.Rejected = append(resp.Rejected, bulkRejected{Line: row.Line, Email: row.Email, Reason: ae.Error()})
	}

	resp.Success = len(resp.Accepted) > 0
	status := http.StatusAccepted
	if !resp.Success {
		status = http.StatusBadRequest
	}
	h.Log.Info("bulk submit finished",
		zap.Int64("user_id", userID),
		zap.Int("accepted", len(resp.Accepted)),
		zap.Int("rejected", len(resp.Rejected)),
		zap.Int("not_attempted", resp.NotAttempted),
	)
	h.writeJSON(w, status, resp)
}
