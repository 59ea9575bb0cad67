package referral

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of intake domain event
type EventType string

const (
	EventReferralReceived EventType = "ReferralReceived"
	EventFlowSelected     EventType = "FlowSelected"
	EventRecordCreated    EventType = "RecordCreated"
	EventCaseCreated      EventType = "CaseCreated"
	EventMergeApplied     EventType = "MergeApplied"
	EventReferralHeld     EventType = "ReferralHeld"
)

// Event represents an intake domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	OrgID         string          `json:"org_id,omitempty"`
	Channel       Channel         `json:"channel,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(referralID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   referralID,
		AggregateType: "Referral",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(orgID string, channel Channel) *Event {
	e.OrgID = orgID
	e.Channel = channel
	return e
}

// ReferralReceivedData contains receipt details
type ReferralReceivedData struct {
	ReferralID string    `json:"referral_id"`
	OrgID      string    `json:"org_id"`
	Channel    Channel   `json:"channel"`
	ReceivedAt time.Time `json:"received_at"`
}

// FlowSelectedData records the chosen intake workflow
type FlowSelectedData struct {
	ReferralID      string `json:"referral_id"`
	Flow            Flow   `json:"flow"`
	MatchedMRN      string `json:"matched_mrn,omitempty"`
	HasPrescription bool   `json:"has_prescription"`
}

// RecordCreatedData contains person-record creation details
type RecordCreatedData struct {
	ReferralID string    `json:"referral_id"`
	PatientMRN string    `json:"patient_mrn"`
	CreatedAt  time.Time `json:"created_at"`
}

// CaseCreatedData contains case/episode creation details
type CaseCreatedData struct {
	ReferralID string    `json:"referral_id"`
	PatientMRN string    `json:"patient_mrn"`
	EpisodeID  string    `json:"episode_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// MergeAppliedData records which differing fields were merged into
// the external record
type MergeAppliedData struct {
	ReferralID string    `json:"referral_id"`
	PatientMRN string    `json:"patient_mrn"`
	Fields     []string  `json:"fields"`
	AppliedBy  string    `json:"applied_by"`
	AppliedAt  time.Time `json:"applied_at"`
}

// ReferralHeldData records a referral parked for a human decision
type ReferralHeldData struct {
	ReferralID string `json:"referral_id"`
	Reason     string `json:"reason"`
}
