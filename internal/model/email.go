package model

import "time"

// Workstream is the routing category assigned by email classification.
type Workstream string

const (
	WorkstreamLitigation Workstream = "litigation"
	WorkstreamFinance    Workstream = "finance"
	WorkstreamCompliance Workstream = "compliance"
	WorkstreamOperations Workstream = "operations"
	WorkstreamGeneral    Workstream = "general"
)

// ValidWorkstream reports whether w is one of the known workstreams.
func ValidWorkstream(w Workstream) bool {
	switch w {
	case WorkstreamLitigation, WorkstreamFinance, WorkstreamCompliance,
		WorkstreamOperations, WorkstreamGeneral:
		return true
	}
	return false
}

// EmailState tracks a message through the pipeline. Transitions are monotonic:
// RECEIVED → (ACCEPTED|REJECTED) → CLASSIFIED → ROUTED → ARCHIVED → DELIVERED|DLQ.
type EmailState string

const (
	EmailReceived   EmailState = "RECEIVED"
	EmailAccepted   EmailState = "ACCEPTED"
	EmailRejected   EmailState = "REJECTED"
	EmailClassified EmailState = "CLASSIFIED"
	EmailRouted     EmailState = "ROUTED"
	EmailArchived   EmailState = "ARCHIVED"
	EmailDelivered  EmailState = "DELIVERED"
	EmailDeadLetter EmailState = "DLQ"
)

// Rejection reasons surfaced in bounce/dead-letter records.
const (
	RejectSpam          = "spam"
	RejectRateSender    = "rate-limit-sender"
	RejectRateDomain    = "rate-limit-domain"
	RejectForwardFailed = "forward-failed"
)

// Attachment is a single email attachment. Content is carried inline;
// large attachments are truncated upstream of the pipeline.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     []byte `json:"content,omitempty"`
}

// EmailMessage is the structured inbound message handed to the pipeline.
type EmailMessage struct {
	From        string            `json:"from"`
	To          string            `json:"to"`
	Subject     string            `json:"subject"`
	Headers     map[string]string `json:"headers,omitempty"`
	BodyText    string            `json:"body_text"`
	BodyHTML    string            `json:"body_html,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// EmailClassification is the AI classification result for a message.
type EmailClassification struct {
	Workstream   Workstream `json:"workstream"`
	Priority     Priority   `json:"priority"`
	Sentiment    string     `json:"sentiment,omitempty"`
	Entities     []string   `json:"entities,omitempty"`
	UrgencyScore float64    `json:"urgency_score"`
}

// EmailResult is the terminal pipeline outcome for a message. Exactly one
// terminal state is reached for every received message.
type EmailResult struct {
	ChittyID       ChittyID             `json:"chitty_id,omitempty"`
	State          EmailState           `json:"state"`
	RejectReason   string               `json:"reject_reason,omitempty"`
	SpamScore      int                  `json:"spam_score"`
	Whitelisted    bool                 `json:"whitelisted"`
	Classification *EmailClassification `json:"classification,omitempty"`
	Destination    string               `json:"destination,omitempty"`
	ArchiveKey     string               `json:"archive_key,omitempty"`
	CorrelationID  string               `json:"correlation_id"`
}
