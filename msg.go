package dispatch

import (
	"time"

	"github.com/gofrs/uuid"
)

// MsgType is the kind of outbound message a batch carries
type MsgType string

const (
	// MsgTypeText is a freeform text message, only allowed inside the session window
	MsgTypeText MsgType = "text"

	// MsgTypeTemplate is an approved template message with bound parameters
	MsgTypeTemplate MsgType = "template"
)

// BatchID is the UUID assigned to a single batch send attempt
type BatchID struct {
	uuid.UUID
}

// NilBatchID is a "zero value" batch ID
var NilBatchID = BatchID{uuid.Nil}

// NewBatchID creates a new unique batch ID
func NewBatchID() BatchID {
	u, _ := uuid.NewV4()
	return BatchID{u}
}

// BatchRequest is one outbound request addressed to multiple recipients. It carries
// either freeform text or a template reference with its bound parameter components.
type BatchRequest struct {
	ID   BatchID  `json:"id"`
	Type MsgType  `json:"type"`
	To   []string `json:"to"`

	Text string `json:"text,omitempty"`

	TemplateName string           `json:"name,omitempty"`
	Language     string           `json:"language,omitempty"`
	Components   []ParamComponent `json:"components,omitempty"`
}

// Outcome is the per-recipient result of a batch send
type Outcome string

const (
	// OutcomeSent means the platform accepted the message for this recipient
	OutcomeSent Outcome = "sent"

	// OutcomeFailed means the send failed for this recipient
	OutcomeFailed Outcome = "failed"
)

// RecipientResult is the outcome of a batch send for a single recipient
type RecipientResult struct {
	Address    string  `json:"recipient"`
	Outcome    Outcome `json:"outcome"`
	ExternalID string  `json:"external_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// BatchClass classifies a reconciled batch as a whole
type BatchClass string

const (
	// BatchFullSuccess means every recipient succeeded
	BatchFullSuccess BatchClass = "full_success"

	// BatchPartialSuccess means at least one recipient succeeded and at least one failed
	BatchPartialSuccess BatchClass = "partial_success"

	// BatchTotalFailure means no recipient succeeded
	BatchTotalFailure BatchClass = "total_failure"
)

// BatchReport is the reconciled result of a batch send. Results are ordered 1:1
// with the recipients of the request that produced them.
type BatchReport struct {
	ID      BatchID           `json:"id"`
	Class   BatchClass        `json:"class"`
	Sent    int               `json:"sent"`
	Failed  int               `json:"failed"`
	Results []RecipientResult `json:"results"`
}

// Failures returns the failed results only, in batch order
func (r *BatchReport) Failures() []RecipientResult {
	var failed []RecipientResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// reconcile builds a report from the passed in per-recipient results
func reconcile(id BatchID, results []RecipientResult) *BatchReport {
	report := &BatchReport{ID: id, Results: results}
	for _, res := range results {
		if res.Outcome == OutcomeSent {
			report.Sent++
		} else {
			report.Failed++
		}
	}
	switch {
	case report.Failed == 0 && report.Sent > 0:
		report.Class = BatchFullSuccess
	case report.Sent > 0:
		report.Class = BatchPartialSuccess
	default:
		report.Class = BatchTotalFailure
	}
	return report
}

// TierInfo is the advisory messaging tier for the sending phone number, it is
// displayed to the user but never enforced by the engine
type TierInfo struct {
	Tier  string `json:"tier"`
	Limit int    `json:"limit"`
}

// LogFilter filters message log listings
type LogFilter struct {
	Status    string `schema:"status"`
	Direction string `schema:"direction"`
	Recipient string `schema:"recipient"`
}

// LogEntry is one row of the message log, newest first in listings
type LogEntry struct {
	ID           int64     `json:"id"`
	Recipient    string    `json:"recipient"`
	TemplateName string    `json:"template_name,omitempty"`
	Content      string    `json:"content,omitempty"`
	Status       string    `json:"status"`
	Direction    string    `json:"direction"`
	Reason       string    `json:"error_message,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}
